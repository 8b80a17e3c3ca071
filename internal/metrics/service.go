package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/db"
	"github.com/recallhq/recall/internal/store"
)

const (
	// Aggregations that exceed this deadline return a zero-valued record
	// instead of an error.
	aggregationTimeout = 5 * time.Second

	// Minimum wall-clock gap between token_update emissions.
	broadcastInterval = time.Second

	// Number of most recent observations fed into the projection.
	projectionObservationCount = 50

	defaultProjectLimit = 10
)

// Broadcaster emits the throttled live token_update event.
type Broadcaster interface {
	EmitTokenUpdate(ctx context.Context, tokens any)
}

// Service computes token-economics reports over stored observations.
type Service struct {
	repo        *Repository
	cache       *ttlCache
	broadcaster Broadcaster
	logger      *logger.Logger

	// Collapses concurrent cache misses for the same report key into one
	// aggregation pass.
	group singleflight.Group

	broadcastMu   sync.Mutex
	lastBroadcast time.Time
}

// NewService creates the metrics engine over the shared database pool.
// broadcaster may be nil when live push is not wired.
func NewService(pool *db.Pool, broadcaster Broadcaster, log *logger.Logger) *Service {
	return &Service{
		repo:        NewRepository(pool),
		cache:       newTTLCache(),
		broadcaster: broadcaster,
		logger:      log.WithFields(zap.String("component", "metrics")),
	}
}

// InvalidateCache drops cached reports referencing the given project, or
// every cached summary when project is empty. Called after each observation
// insert.
func (s *Service) InvalidateCache(project string) {
	s.cache.invalidate(project)
}

// BroadcastTokenUpdate pushes a quick summary over the live stream, at most
// once per second. Calls inside the throttle window are dropped; the next
// successful push carries the newer totals.
func (s *Service) BroadcastTokenUpdate(ctx context.Context) {
	if s.broadcaster == nil {
		return
	}

	s.broadcastMu.Lock()
	if time.Since(s.lastBroadcast) < broadcastInterval {
		s.broadcastMu.Unlock()
		return
	}
	s.lastBroadcast = time.Now()
	s.broadcastMu.Unlock()

	s.broadcaster.EmitTokenUpdate(ctx, s.QuickSummary(ctx))
}

// QuickSummary is the uncached fast path behind the live push: the unfiltered
// savings totals.
func (s *Service) QuickSummary(ctx context.Context) *TokenSummary {
	summary, err := s.computeSummary(ctx, "", "")
	if err != nil {
		s.logger.Warn("quick summary failed", zap.Error(err))
		return &TokenSummary{}
	}
	return summary
}

// Summary returns totals and derived savings ratios.
func (s *Service) Summary(ctx context.Context, project, since string) *TokenSummary {
	key := fmt.Sprintf("summary:%s:%s", project, since)
	if cached, ok := s.cache.get(key); ok {
		return cached.(*TokenSummary)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.computeSummary(ctx, project, since)
	})
	if err != nil {
		s.logger.Warn("summary aggregation failed", zap.Error(err))
		return &TokenSummary{}
	}
	summary := v.(*TokenSummary)
	s.cache.set(key, summary, defaultCacheTTL)
	return summary
}

func (s *Service) computeSummary(ctx context.Context, project, since string) (*TokenSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, aggregationTimeout)
	defer cancel()

	sinceMs, _ := ParseSince(since, time.Now())
	var count, read, disc int64
	err := s.repo.stream(ctx, project, sinceMs, func(obs *store.Observation) error {
		count++
		read += CalculateReadTokens(obs)
		disc += obs.DiscoveryTokens
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &TokenSummary{
		TotalObservations:        count,
		TotalReadTokens:          read,
		TotalDiscoveryTokens:     disc,
		Savings:                  disc - read,
		SavingsPercent:           roundedPercent(disc-read, disc),
		EfficiencyGain:           roundedGain(disc, read),
		AvgReadTokensPerObs:      roundedAvg(read, count),
		AvgDiscoveryTokensPerObs: roundedAvg(disc, count),
	}
	return summary, nil
}

// ByProject returns the top projects by discovery tokens.
func (s *Service) ByProject(ctx context.Context, limit int, since string) *ByProjectReport {
	if limit <= 0 {
		limit = defaultProjectLimit
	}
	key := fmt.Sprintf("by-project:%d:%s", limit, since)
	if cached, ok := s.cache.get(key); ok {
		return cached.(*ByProjectReport)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.computeByProject(ctx, limit, since)
	})
	if err != nil {
		s.logger.Warn("by-project aggregation failed", zap.Error(err))
		return &ByProjectReport{Projects: []ProjectTokenStats{}}
	}
	report := v.(*ByProjectReport)
	s.cache.set(key, report, defaultCacheTTL)
	return report
}

func (s *Service) computeByProject(ctx context.Context, limit int, since string) (*ByProjectReport, error) {
	ctx, cancel := context.WithTimeout(ctx, aggregationTimeout)
	defer cancel()

	sinceMs, _ := ParseSince(since, time.Now())
	type totals struct{ count, read, disc int64 }
	perProject := make(map[string]*totals)
	err := s.repo.stream(ctx, "", sinceMs, func(obs *store.Observation) error {
		t := perProject[obs.Project]
		if t == nil {
			t = &totals{}
			perProject[obs.Project] = t
		}
		t.count++
		t.read += CalculateReadTokens(obs)
		t.disc += obs.DiscoveryTokens
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows := make([]ProjectTokenStats, 0, len(perProject))
	for project, t := range perProject {
		rows = append(rows, ProjectTokenStats{
			Project:              project,
			TotalObservations:    t.count,
			TotalReadTokens:      t.read,
			TotalDiscoveryTokens: t.disc,
			Savings:              t.disc - t.read,
			SavingsPercent:       roundedPercent(t.disc-t.read, t.disc),
			EfficiencyGain:       roundedGain(t.disc, t.read),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalDiscoveryTokens != rows[j].TotalDiscoveryTokens {
			return rows[i].TotalDiscoveryTokens > rows[j].TotalDiscoveryTokens
		}
		return rows[i].Project < rows[j].Project
	})

	report := &ByProjectReport{Projects: rows, TotalProjects: len(rows)}
	if len(rows) > limit {
		report.Projects = rows[:limit]
	}
	return report, nil
}

// ByType returns all observation types ordered by discovery tokens.
func (s *Service) ByType(ctx context.Context, project, since string) *ByTypeReport {
	key := fmt.Sprintf("by-type:%s:%s", project, since)
	if cached, ok := s.cache.get(key); ok {
		return cached.(*ByTypeReport)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.computeByType(ctx, project, since)
	})
	if err != nil {
		s.logger.Warn("by-type aggregation failed", zap.Error(err))
		return &ByTypeReport{Types: []TypeTokenStats{}}
	}
	report := v.(*ByTypeReport)
	s.cache.set(key, report, defaultCacheTTL)
	return report
}

func (s *Service) computeByType(ctx context.Context, project, since string) (*ByTypeReport, error) {
	ctx, cancel := context.WithTimeout(ctx, aggregationTimeout)
	defer cancel()

	sinceMs, _ := ParseSince(since, time.Now())
	type totals struct{ count, read, disc int64 }
	perType := make(map[string]*totals)
	err := s.repo.stream(ctx, project, sinceMs, func(obs *store.Observation) error {
		t := perType[obs.Type]
		if t == nil {
			t = &totals{}
			perType[obs.Type] = t
		}
		t.count++
		t.read += CalculateReadTokens(obs)
		t.disc += obs.DiscoveryTokens
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows := make([]TypeTokenStats, 0, len(perType))
	for typ, t := range perType {
		rows = append(rows, TypeTokenStats{
			Type:                 typ,
			TotalObservations:    t.count,
			TotalReadTokens:      t.read,
			TotalDiscoveryTokens: t.disc,
			Savings:              t.disc - t.read,
			SavingsPercent:       roundedPercent(t.disc-t.read, t.disc),
			EfficiencyGain:       roundedGain(t.disc, t.read),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalDiscoveryTokens != rows[j].TotalDiscoveryTokens {
			return rows[i].TotalDiscoveryTokens > rows[j].TotalDiscoveryTokens
		}
		return rows[i].Type < rows[j].Type
	})
	return &ByTypeReport{Types: rows}, nil
}

// TimeSeries groups observations into hour, day or week buckets with running
// cumulatives. Invalid granularity falls back to day.
func (s *Service) TimeSeries(ctx context.Context, project, since, granularity string) *TimeSeriesReport {
	switch granularity {
	case "hour", "day", "week":
	default:
		granularity = "day"
	}
	key := fmt.Sprintf("time-series:%s:%s:%s", project, since, granularity)
	if cached, ok := s.cache.get(key); ok {
		return cached.(*TimeSeriesReport)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.computeTimeSeries(ctx, project, since, granularity)
	})
	if err != nil {
		s.logger.Warn("time-series aggregation failed", zap.Error(err))
		return &TimeSeriesReport{Granularity: granularity, Points: []TimeSeriesPoint{}}
	}
	report := v.(*TimeSeriesReport)
	s.cache.set(key, report, defaultCacheTTL)
	return report
}

func (s *Service) computeTimeSeries(ctx context.Context, project, since, granularity string) (*TimeSeriesReport, error) {
	ctx, cancel := context.WithTimeout(ctx, aggregationTimeout)
	defer cancel()

	sinceMs, _ := ParseSince(since, time.Now())
	type totals struct{ count, read, disc int64 }
	buckets := make(map[time.Time]*totals)
	err := s.repo.stream(ctx, project, sinceMs, func(obs *store.Observation) error {
		start := bucketStart(time.UnixMilli(obs.CreatedAt), granularity)
		t := buckets[start]
		if t == nil {
			t = &totals{}
			buckets[start] = t
		}
		t.count++
		t.read += CalculateReadTokens(obs)
		t.disc += obs.DiscoveryTokens
		return nil
	})
	if err != nil {
		return nil, err
	}

	starts := make([]time.Time, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	points := make([]TimeSeriesPoint, 0, len(starts))
	var cumRead, cumDisc int64
	for _, start := range starts {
		t := buckets[start]
		cumRead += t.read
		cumDisc += t.disc
		points = append(points, TimeSeriesPoint{
			Bucket:                    start.Format(time.RFC3339),
			Observations:              t.count,
			ReadTokens:                t.read,
			DiscoveryTokens:           t.disc,
			CumulativeReadTokens:      cumRead,
			CumulativeDiscoveryTokens: cumDisc,
		})
	}
	return &TimeSeriesReport{Granularity: granularity, Points: points}, nil
}

func bucketStart(ts time.Time, granularity string) time.Time {
	day := ts.UTC().Truncate(24 * time.Hour)
	switch granularity {
	case "hour":
		return ts.UTC().Truncate(time.Hour)
	case "week":
		// Weeks start on Monday
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return day
	}
}

// Compression compares stored observation bodies against the estimated
// original tool output, taken as twice the discovery cost.
func (s *Service) Compression(ctx context.Context, project, since string) *CompressionReport {
	key := fmt.Sprintf("compression:%s:%s", project, since)
	if cached, ok := s.cache.get(key); ok {
		return cached.(*CompressionReport)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.computeCompression(ctx, project, since)
	})
	if err != nil {
		s.logger.Warn("compression aggregation failed", zap.Error(err))
		return &CompressionReport{ByType: []TypeCompression{}}
	}
	report := v.(*CompressionReport)
	s.cache.set(key, report, defaultCacheTTL)
	return report
}

func (s *Service) computeCompression(ctx context.Context, project, since string) (*CompressionReport, error) {
	ctx, cancel := context.WithTimeout(ctx, aggregationTimeout)
	defer cancel()

	sinceMs, _ := ParseSince(since, time.Now())
	type totals struct{ count, original, compressed int64 }
	all := totals{}
	perType := make(map[string]*totals)
	err := s.repo.stream(ctx, project, sinceMs, func(obs *store.Observation) error {
		original := obs.DiscoveryTokens * 2
		compressed := CalculateReadTokens(obs)
		all.count++
		all.original += original
		all.compressed += compressed
		t := perType[obs.Type]
		if t == nil {
			t = &totals{}
			perType[obs.Type] = t
		}
		t.count++
		t.original += original
		t.compressed += compressed
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows := make([]TypeCompression, 0, len(perType))
	for typ, t := range perType {
		rows = append(rows, TypeCompression{
			Type:                typ,
			Observations:        t.count,
			TotalOriginalTokens: t.original,
			TotalCompressed:     t.compressed,
			AvgCompressionRatio: compressionRatio(t.original, t.compressed),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalOriginalTokens != rows[j].TotalOriginalTokens {
			return rows[i].TotalOriginalTokens > rows[j].TotalOriginalTokens
		}
		return rows[i].Type < rows[j].Type
	})

	return &CompressionReport{
		TotalObservations:     all.count,
		TotalOriginalTokens:   all.original,
		TotalCompressedTokens: all.compressed,
		AvgCompressionRatio:   compressionRatio(all.original, all.compressed),
		ByType:                rows,
	}, nil
}

// Projection simulates cumulative context growth over the project's most
// recent observations, with and without compressed re-injection.
func (s *Service) Projection(ctx context.Context, project string) *EndlessProjection {
	key := fmt.Sprintf("projection:%s:%d", project, projectionObservationCount)
	if cached, ok := s.cache.get(key); ok {
		return cached.(*EndlessProjection)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.computeProjection(ctx, project)
	})
	if err != nil {
		s.logger.Warn("projection aggregation failed", zap.Error(err))
		return &EndlessProjection{Project: project}
	}
	projection := v.(*EndlessProjection)
	s.cache.set(key, projection, projectionCacheTTL)
	return projection
}

func (s *Service) computeProjection(ctx context.Context, project string) (*EndlessProjection, error) {
	ctx, cancel := context.WithTimeout(ctx, aggregationTimeout)
	defer cancel()

	observations, err := s.repo.recent(ctx, project, projectionObservationCount)
	if err != nil {
		return nil, err
	}

	var discW, ctxW, cumW int64
	var discE, ctxE, cumE int64
	for i := range observations {
		obs := &observations[i]

		discW += obs.DiscoveryTokens
		ctxW += obs.DiscoveryTokens * 2
		cumW += ctxW

		discE += obs.DiscoveryTokens
		ctxE += CalculateReadTokens(obs)
		cumE += ctxE
	}

	totalW := discW + cumW
	totalE := discE + cumE
	projection := &EndlessProjection{
		Project:          project,
		ObservationCount: len(observations),
		Without:          ProjectionStream{DiscoveryTokens: discW, ContextTokens: cumW, TotalTokens: totalW},
		With:             ProjectionStream{DiscoveryTokens: discE, ContextTokens: cumE, TotalTokens: totalE},
		TokensSaved:      totalW - totalE,
		EfficiencyGain:   roundedGain(totalW, totalE),
	}
	if totalW != 0 {
		projection.PercentSaved = math.Round(float64(totalW-totalE)/float64(totalW)*1000) / 10
	}
	return projection, nil
}

func roundedPercent(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return int64(math.Round(float64(num) / float64(den) * 100))
}

func roundedGain(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(float64(num)/float64(den)*10) / 10
}

func roundedAvg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return int64(math.Round(float64(total) / float64(count)))
}

func compressionRatio(original, compressed int64) float64 {
	if original == 0 {
		return 0
	}
	return math.Round((1-float64(compressed)/float64(original))*100) / 100
}
