package api

import (
	"time"

	"github.com/tracelight/tracelight/internal/core/domain"
)

// Request timestamps are Unix milliseconds UTC; response bucket dates are
// RFC3339 UTC strings.

type timeseriesRequest struct {
	StartTime         int64                 `json:"startTime"`
	EndTime           int64                 `json:"endTime"`
	PreviousStartTime int64                 `json:"previousStartTime"`
	Series            []domain.MetricSeries `json:"series"`
	GroupBy           string                `json:"groupBy,omitempty"`
	Filters           domain.FilterMap      `json:"filters,omitempty"`
	TimeScale         domain.TimeScale      `json:"timeScale"`
}

func (r timeseriesRequest) toQuery(projectID string) domain.TimeseriesQuery {
	previous := r.PreviousStartTime
	if previous == 0 {
		// Default: a previous period of the same length, ending at start.
		previous = r.StartTime - (r.EndTime - r.StartTime)
	}
	return domain.TimeseriesQuery{
		ProjectID:     projectID,
		Start:         time.UnixMilli(r.StartTime).UTC(),
		End:           time.UnixMilli(r.EndTime).UTC(),
		PreviousStart: time.UnixMilli(previous).UTC(),
		Series:        r.Series,
		GroupBy:       r.GroupBy,
		Filters:       r.Filters,
		Scale:         r.TimeScale,
	}
}

type filterOptionsRequest struct {
	StartTime int64            `json:"startTime"`
	EndTime   int64            `json:"endTime"`
	Field     string           `json:"field"`
	Filters   domain.FilterMap `json:"filters,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

const defaultFilterOptionLimit = 50

func (r filterOptionsRequest) toQuery(projectID string) domain.FilterOptionsQuery {
	limit := r.Limit
	if limit <= 0 {
		limit = defaultFilterOptionLimit
	}
	return domain.FilterOptionsQuery{
		ProjectID: projectID,
		Start:     time.UnixMilli(r.StartTime).UTC(),
		End:       time.UnixMilli(r.EndTime).UTC(),
		Field:     r.Field,
		Filters:   r.Filters,
		Limit:     limit,
	}
}

type bucketDTO struct {
	Date    string                        `json:"date"`
	Metrics map[string]float64            `json:"metrics,omitempty"`
	Groups  map[string]map[string]float64 `json:"groups,omitempty"`
}

type timeseriesResponse struct {
	CurrentPeriod  []bucketDTO `json:"currentPeriod"`
	PreviousPeriod []bucketDTO `json:"previousPeriod"`
}

func toTimeseriesResponse(res *domain.TimeseriesResult) timeseriesResponse {
	return timeseriesResponse{
		CurrentPeriod:  toBucketDTOs(res.CurrentPeriod),
		PreviousPeriod: toBucketDTOs(res.PreviousPeriod),
	}
}

func toBucketDTOs(buckets []domain.Bucket) []bucketDTO {
	out := make([]bucketDTO, len(buckets))
	for i, b := range buckets {
		out[i] = bucketDTO{
			Date:    b.Date.UTC().Format(time.RFC3339),
			Metrics: b.Metrics,
			Groups:  b.Groups,
		}
	}
	return out
}

type filterOptionsResponse struct {
	Options []domain.FilterOption `json:"options"`
}

type runListResponse struct {
	Runs []domain.ExperimentRun `json:"runs"`
}

type errorResponse struct {
	Error string `json:"error"`
}
