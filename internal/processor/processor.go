// Package processor implements the geospatial job processors and the registry
// the worker pool uses to dispatch jobs by type.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/target/geojobs/internal/domain/model"
)

// Processor executes one job type. Process returns a JSON-serializable result;
// it must not keep state between calls.
type Processor interface {
	Type() model.JobType
	Process(ctx context.Context, job *model.Job) (any, error)
}

// Registry maps job types to processors.
type Registry struct {
	processors map[model.JobType]Processor
}

// NewRegistry builds a registry, rejecting nil, invalid and duplicate entries.
func NewRegistry(ps ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[model.JobType]Processor, len(ps))}
	for _, p := range ps {
		if p == nil {
			return nil, errors.New("processor is nil")
		}
		t := p.Type()
		if !t.Valid() {
			return nil, fmt.Errorf("processor registered for unknown job type %q", t)
		}
		if _, dup := r.processors[t]; dup {
			return nil, fmt.Errorf("duplicate processor for job type %q", t)
		}
		r.processors[t] = p
	}
	return r, nil
}

// Validate reports every known job type without a processor.
func (r *Registry) Validate() error {
	var missing []string
	for _, t := range model.AllJobTypes() {
		if _, ok := r.processors[t]; !ok {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no processor registered for job types: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Lookup returns the processor for t or an *UnknownTypeError.
func (r *Registry) Lookup(t model.JobType) (Processor, error) {
	p, ok := r.processors[t]
	if !ok {
		return nil, &UnknownTypeError{Type: t}
	}
	return p, nil
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []model.JobType {
	out := make([]model.JobType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// decodeParams unmarshals job parameters into dst.
func decodeParams(job *model.Job, dst any) error {
	if job == nil {
		return errors.New("job is nil")
	}
	raw := job.Parameters
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Message: "Invalid job parameters: " + err.Error(), Err: err}
	}
	return nil
}

// elapsedMillis returns the processing time reported in results.
func elapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// encodeSigned maps a value in [-1,1] onto 1..65535 so 0 stays free for no-data.
func encodeSigned(v float64) uint16 {
	v = math.Max(-1, math.Min(1, v))
	return uint16(math.Round((v+1)*32767)) + 1
}

// runningStats accumulates min, max, mean and population variance (Welford).
type runningStats struct {
	n    int
	min  float64
	max  float64
	mean float64
	m2   float64
	sum  float64
}

func (s *runningStats) add(v float64) {
	s.n++
	s.sum += v
	if s.n == 1 {
		s.min, s.max = v, v
	} else {
		s.min = math.Min(s.min, v)
		s.max = math.Max(s.max, v)
	}
	delta := v - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (v - s.mean)
}

func (s *runningStats) std() float64 {
	if s.n == 0 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.n))
}

func intPtrOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
