package traverse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/fabricgo/model"
)

// ErrStartNotFound is returned when the start container does not exist in
// the pinned view.
var ErrStartNotFound = errors.New("start container not found")

// Mode selects the scoring axis of a traversal.
type Mode uint8

const (
	// ModeStructural scores by hop distance (pure BFS), ties broken by
	// ascending container id.
	ModeStructural Mode = iota
	// ModeSemantic scores by embedding distance via the external ANN index,
	// falling back to locally stored embeddings.
	ModeSemantic
	// ModeContextual scores by keyword/topic overlap, assisted by the
	// external keyword index.
	ModeContextual
	// ModeHybrid blends the three axes with configurable weights.
	ModeHybrid
	// ModeMLGuided ranks expansions with the external relevance model when
	// its tracked accuracy clears the confidence threshold, falling back to
	// hybrid scoring per expansion otherwise.
	ModeMLGuided
	// ModeBruteForce traverses exhaustively up to the depth limit. Always
	// correct; used as ground truth and for zero-shot confirmation.
	ModeBruteForce
)

var modeNames = map[Mode]string{
	ModeStructural: "structural",
	ModeSemantic:   "semantic",
	ModeContextual: "contextual",
	ModeHybrid:     "hybrid",
	ModeMLGuided:   "ml_guided",
	ModeBruteForce: "brute_force",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Budget bounds a traversal. Expansion stops when any limit is exceeded;
// the result is returned truncated, never as an error.
type Budget struct {
	// MaxHops bounds the number of frontier expansions. 0 = unlimited.
	MaxHops int
	// MaxContainers bounds the number of containers visited beyond the
	// start. Note that 0 means zero: such a request yields an empty result.
	// Negative means unlimited.
	MaxContainers int
	// MaxLatency bounds wall-clock time, including external calls, which
	// receive the remaining budget as their context deadline. 0 = unlimited.
	MaxLatency time.Duration
}

// Request describes one traversal.
type Request struct {
	Start model.ContainerID
	Mode  Mode

	// Query is the free-form query text, used only for zero-shot
	// confirmation of brute-force results.
	Query string
	// QueryEmbedding drives the semantic axis.
	QueryEmbedding []float32
	// Keywords and Topics drive the contextual axis.
	Keywords []string
	Topics   []string

	// Filters are applied post-scoring, before admission to the result set.
	Filters []Filter

	// MaxDepth bounds the search depth. 0 = unlimited.
	MaxDepth int
	// MaxResults caps the admitted result set. 0 = unlimited.
	MaxResults int

	Budget Budget

	// UseML gates the relevance model; without it ModeMLGuided degrades to
	// ModeHybrid.
	UseML bool
	// TrainingLog additionally runs the brute-force ground truth and emits
	// ML-vs-truth gaps as structured log records.
	TrainingLog bool
}

// Stats reports what a traversal did.
type Stats struct {
	ContainersVisited   int
	MaxDepthReached     int
	Expansions          int
	BruteForceFallbacks int
	ModeDowngrades      int
	ExternalCalls       int
	Truncated           bool
	Elapsed             time.Duration
}

// Result is the outcome of a traversal. Containers are ordered by ascending
// cumulative score; Distances[i] is the total path cost of Containers[i],
// the sum of per-hop scores along the winning path (not necessarily the
// shortest structural path under non-structural modes). Paths maps each
// admitted container to its path from the start, inclusive.
type Result struct {
	Containers []model.ContainerID
	Distances  []float32
	Paths      map[model.ContainerID][]model.ContainerID
	Stats      Stats
}

// HybridWeights blends the three axes in ModeHybrid. They are normalized at
// use, so only ratios matter.
type HybridWeights struct {
	Structural float32
	Semantic   float32
	Contextual float32
}

// DefaultConfidenceThreshold is the minimum tracked model accuracy required
// to trust relevance predictions for a category.
const DefaultConfidenceThreshold = 0.90

// Engine runs budgeted best-first traversals over a pinned graph view.
type Engine struct {
	ann       AnnIndex
	keywords  KeywordIndex
	relevance RelevanceModel
	oracle    ZeroShotOracle

	weights    HybridWeights
	confidence float64
	logger     *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithAnnIndex wires the external ANN service.
func WithAnnIndex(a AnnIndex) Option {
	return func(e *Engine) { e.ann = a }
}

// WithKeywordIndex wires the external keyword index.
func WithKeywordIndex(k KeywordIndex) Option {
	return func(e *Engine) { e.keywords = k }
}

// WithRelevanceModel wires the external relevance model.
func WithRelevanceModel(r RelevanceModel) Option {
	return func(e *Engine) { e.relevance = r }
}

// WithOracle wires the zero-shot confirmation oracle.
func WithOracle(o ZeroShotOracle) Option {
	return func(e *Engine) { e.oracle = o }
}

// WithHybridWeights overrides the default equal-thirds blend.
func WithHybridWeights(w HybridWeights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithConfidenceThreshold overrides the ML trust threshold.
func WithConfidenceThreshold(t float64) Option {
	return func(e *Engine) { e.confidence = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a traversal engine. All external services are optional; the
// engine degrades to local scoring without them.
func New(optFns ...Option) *Engine {
	e := &Engine{
		weights:    HybridWeights{Structural: 1, Semantic: 1, Contextual: 1},
		confidence: DefaultConfidenceThreshold,
		logger:     slog.Default(),
	}
	for _, fn := range optFns {
		fn(e)
	}
	return e
}

// search is the per-request state. Container ids index everything; no
// pointers into the graph are retained across expansions.
type search struct {
	req      Request
	mode     Mode
	g        Graph
	visited  *roaring64.Bitmap
	cameFrom map[model.ContainerID]model.ContainerID
	frontier frontier
	started  time.Time
	deadline time.Time

	annDist map[model.ContainerID]float32
	kwHits  *roaring64.Bitmap

	res *Result
}

// Traverse answers a traversal request against the pinned view g.
func (e *Engine) Traverse(ctx context.Context, g Graph, req Request) (*Result, error) {
	started := time.Now()
	res := &Result{Paths: make(map[model.ContainerID][]model.ContainerID)}

	if _, ok := g.Structural(req.Start); !ok {
		return nil, fmt.Errorf("%w: id %d", ErrStartNotFound, req.Start)
	}

	// A zero container budget is a legal request for nothing.
	if req.Budget.MaxContainers == 0 {
		res.Stats.Elapsed = time.Since(started)
		return res, nil
	}

	if req.TrainingLog && req.UseML && req.Mode == ModeMLGuided {
		return e.traverseWithTrainingLog(ctx, g, req, started)
	}

	s := &search{
		req:      req,
		mode:     req.Mode,
		g:        g,
		visited:  roaring64.New(),
		cameFrom: make(map[model.ContainerID]model.ContainerID),
		started:  started,
		res:      res,
	}
	if req.Budget.MaxLatency > 0 {
		s.deadline = started.Add(req.Budget.MaxLatency)
	}
	if req.Mode == ModeMLGuided && !req.UseML {
		s.mode = ModeHybrid
	}

	e.prepareAxes(ctx, s)

	if err := e.run(ctx, s); err != nil {
		return nil, err
	}

	if s.mode == ModeBruteForce {
		e.confirmWithOracle(ctx, s)
	}

	res.Stats.Elapsed = time.Since(started)
	return res, nil
}

// prepareAxes resolves the external axis inputs once per request. Failures
// downgrade the effective mode instead of failing the traversal.
func (e *Engine) prepareAxes(ctx context.Context, s *search) {
	needSemantic := s.mode == ModeSemantic || s.mode == ModeHybrid || s.mode == ModeMLGuided
	if needSemantic && e.ann != nil && len(s.req.QueryEmbedding) > 0 {
		k := s.req.MaxResults * 8
		if k <= 0 {
			k = 128
		}
		callCtx, cancel := s.externalContext(ctx)
		neighbors, err := e.ann.Nearest(callCtx, s.req.QueryEmbedding, k)
		cancel()
		s.res.Stats.ExternalCalls++
		if err != nil {
			e.downgrade(s, "ann index unavailable", err)
		} else {
			s.annDist = make(map[model.ContainerID]float32, len(neighbors))
			for _, n := range neighbors {
				s.annDist[n.ID] = n.Distance
			}
		}
	}

	needContextual := s.mode == ModeContextual || s.mode == ModeHybrid || s.mode == ModeMLGuided
	if needContextual && e.keywords != nil && (len(s.req.Keywords) > 0 || len(s.req.Topics) > 0) {
		callCtx, cancel := s.externalContext(ctx)
		ids, err := e.keywords.Search(callCtx, s.req.Keywords, s.req.Topics)
		cancel()
		s.res.Stats.ExternalCalls++
		if err != nil {
			e.downgrade(s, "keyword index unavailable", err)
		} else {
			s.kwHits = roaring64.New()
			for _, id := range ids {
				s.kwHits.Add(uint64(id))
			}
		}
	}
}

// downgrade steps the effective mode to the next cheaper one
// (MLGuided -> Hybrid -> Structural; Semantic/Contextual -> Structural).
func (e *Engine) downgrade(s *search, reason string, err error) {
	prev := s.mode
	switch s.mode {
	case ModeMLGuided:
		s.mode = ModeHybrid
	case ModeHybrid, ModeSemantic, ModeContextual:
		s.mode = ModeStructural
	default:
		return
	}
	s.res.Stats.ModeDowngrades++
	e.logger.Warn("traversal mode downgraded",
		"from", prev.String(),
		"to", s.mode.String(),
		"reason", reason,
		"error", err,
	)
}

func (s *search) externalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, s.deadline)
}

func (s *search) overBudget() bool {
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		return true
	}
	if s.req.Budget.MaxHops > 0 && s.res.Stats.Expansions >= s.req.Budget.MaxHops {
		return true
	}
	if s.req.Budget.MaxContainers > 0 && s.res.Stats.ContainersVisited >= s.req.Budget.MaxContainers {
		return true
	}
	return false
}

func (e *Engine) run(ctx context.Context, s *search) error {
	s.visited.Add(uint64(s.req.Start))
	s.frontier.push(&frontierItem{id: s.req.Start, depth: 0})

	for {
		// Cooperative cancellation, checked once per frontier pop.
		if err := ctx.Err(); err != nil {
			s.res.Stats.Truncated = true
			return err
		}
		if s.overBudget() {
			s.res.Stats.Truncated = true
			return nil
		}

		cur := s.frontier.pop()
		if cur == nil {
			return nil
		}
		if cur.depth > s.res.Stats.MaxDepthReached {
			s.res.Stats.MaxDepthReached = cur.depth
		}

		if cur.depth > 0 {
			s.res.Stats.ContainersVisited++
			rec, err := s.g.Attributes(cur.id)
			if err != nil {
				return err
			}
			if matchesAll(s.req.Filters, rec) {
				s.admit(cur)
				if s.req.MaxResults > 0 && len(s.res.Containers) >= s.req.MaxResults {
					return nil
				}
			}
		}

		if s.req.MaxDepth > 0 && cur.depth >= s.req.MaxDepth {
			continue
		}

		if err := e.expand(ctx, s, cur); err != nil {
			return err
		}
		s.res.Stats.Expansions++
	}
}

func (s *search) admit(item *frontierItem) {
	s.res.Containers = append(s.res.Containers, item.id)
	s.res.Distances = append(s.res.Distances, item.score)

	// Reconstruct the path via the search-tree parent pointers.
	var path []model.ContainerID
	for id := item.id; ; {
		path = append(path, id)
		parent, ok := s.cameFrom[id]
		if !ok {
			break
		}
		id = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	s.res.Paths[item.id] = path
}

// expand pushes the unvisited neighbors of cur: children in creation order,
// the parent, and relation targets. Relation edges may cycle; the visited
// set guarantees termination.
func (e *Engine) expand(ctx context.Context, s *search, cur *frontierItem) error {
	rec, ok := s.g.Structural(cur.id)
	if !ok {
		// The view is immutable, so a missing expansion target means the
		// graph itself is inconsistent.
		return fmt.Errorf("structural read failed for id %d during expansion", cur.id)
	}

	children, err := s.g.Children(cur.id)
	if err != nil {
		return err
	}

	neighbors := make([]model.ContainerID, 0, len(children)+4)
	neighbors = append(neighbors, children...)
	if rec.ParentID != model.RootParentID {
		neighbors = append(neighbors, rec.ParentID)
	}

	attrs, err := s.g.Attributes(cur.id)
	if err != nil {
		return err
	}
	if attrs != nil {
		for _, rel := range attrs.Context.Relations {
			if rel.Dangling {
				continue
			}
			neighbors = append(neighbors, rel.Target)
		}
	}

	// ModeMLGuided ranks this expansion with the relevance model when it is
	// trusted for the current container's category.
	var predicted map[model.ContainerID]float32
	if s.mode == ModeMLGuided {
		predicted = e.predictExpansion(ctx, s, cur.id, attrs)
	}

	for _, nb := range neighbors {
		if s.visited.Contains(uint64(nb)) {
			continue
		}
		if _, ok := s.g.Structural(nb); !ok {
			// Dangling structural or relation edge; the integrity scanner
			// flags these, traversal just skips them.
			continue
		}
		s.visited.Add(uint64(nb))

		edge, err := e.edgeScore(s, nb, predicted)
		if err != nil {
			return err
		}
		s.cameFrom[nb] = cur.id
		s.frontier.push(&frontierItem{
			id:     nb,
			parent: cur.id,
			score:  cur.score + edge,
			depth:  cur.depth + 1,
		})
	}
	return nil
}

// predictExpansion consults the relevance model for one expansion. A nil
// return means "fall back to hybrid scoring for this expansion".
func (e *Engine) predictExpansion(ctx context.Context, s *search, id model.ContainerID, attrs *model.AttributeRecord) map[model.ContainerID]float32 {
	if e.relevance == nil || attrs == nil {
		s.res.Stats.BruteForceFallbacks++
		return nil
	}

	callCtx, cancel := s.externalContext(ctx)
	defer cancel()

	accuracy, err := e.relevance.Accuracy(callCtx, attrs.Type)
	s.res.Stats.ExternalCalls++
	if err != nil {
		e.downgrade(s, "relevance model unavailable", err)
		return nil
	}
	if accuracy < e.confidence {
		s.res.Stats.BruteForceFallbacks++
		return nil
	}

	predictions, err := e.relevance.Predict(callCtx, id, s.req.QueryEmbedding)
	s.res.Stats.ExternalCalls++
	if err != nil {
		e.downgrade(s, "relevance model unavailable", err)
		return nil
	}
	out := make(map[model.ContainerID]float32, len(predictions))
	for _, p := range predictions {
		out[p.Child] = p.Score
	}
	return out
}

// edgeScore computes the per-hop cost of stepping to nb under the effective
// mode. Scores are distances: lower is better.
func (e *Engine) edgeScore(s *search, nb model.ContainerID, predicted map[model.ContainerID]float32) (float32, error) {
	switch s.mode {
	case ModeStructural, ModeBruteForce:
		return 1.0, nil
	case ModeSemantic:
		rec, err := s.g.Attributes(nb)
		if err != nil {
			return 0, err
		}
		return s.semanticDistance(nb, rec), nil
	case ModeContextual:
		rec, err := s.g.Attributes(nb)
		if err != nil {
			return 0, err
		}
		return s.contextualDistance(nb, rec), nil
	case ModeHybrid:
		return e.hybridDistance(s, nb)
	case ModeMLGuided:
		if predicted != nil {
			if score, ok := predicted[nb]; ok {
				d := 1.0 - score
				if d < 0 {
					d = 0
				}
				return d, nil
			}
		}
		return e.hybridDistance(s, nb)
	default:
		return 1.0, nil
	}
}

func (e *Engine) hybridDistance(s *search, nb model.ContainerID) (float32, error) {
	rec, err := s.g.Attributes(nb)
	if err != nil {
		return 0, err
	}
	total := e.weights.Structural + e.weights.Semantic + e.weights.Contextual
	if total <= 0 {
		return 1.0, nil
	}

	// Normalize each axis to [0,1] before blending: one hop of structural
	// cost is scaled by the depth limit, cosine distance spans [0,2], the
	// contextual distance is already unit-ranged.
	structural := float32(1.0)
	if s.req.MaxDepth > 0 {
		structural = 1.0 / float32(s.req.MaxDepth)
	}
	semantic := s.semanticDistance(nb, rec) / 2.0
	contextual := s.contextualDistance(nb, rec)

	blended := (e.weights.Structural*structural + e.weights.Semantic*semantic + e.weights.Contextual*contextual) / total
	return blended, nil
}

// semanticDistance prefers the ANN index's distance, falling back to the
// locally stored embedding, then to a neutral 1.0.
func (s *search) semanticDistance(nb model.ContainerID, rec *model.AttributeRecord) float32 {
	if s.annDist != nil {
		if d, ok := s.annDist[nb]; ok {
			return d
		}
	}
	if len(s.req.QueryEmbedding) > 0 && rec != nil && len(rec.Context.Embedding) == len(s.req.QueryEmbedding) {
		return cosineDistance(s.req.QueryEmbedding, rec.Context.Embedding)
	}
	return 1.0
}

// contextualDistance is 1 minus the keyword/topic overlap fraction, halved
// for containers the external keyword index also matched.
func (s *search) contextualDistance(nb model.ContainerID, rec *model.AttributeRecord) float32 {
	want := len(s.req.Keywords) + len(s.req.Topics)
	if want == 0 {
		return 1.0
	}
	matched := 0
	if rec != nil {
		matched += countOverlap(s.req.Keywords, rec.Context.Keywords)
		matched += countOverlap(s.req.Topics, rec.Context.Topics)
	}
	d := 1.0 - float32(matched)/float32(want)
	if s.kwHits != nil && s.kwHits.Contains(uint64(nb)) {
		d /= 2
	}
	return d
}

func countOverlap(want, have []string) int {
	if len(want) == 0 || len(have) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	n := 0
	for _, w := range want {
		if _, ok := set[w]; ok {
			n++
		}
	}
	return n
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	return float32(1.0 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// confirmWithOracle filters a brute-force result through the zero-shot
// oracle. Oracle failures leave the unconfirmed result in place.
func (e *Engine) confirmWithOracle(ctx context.Context, s *search) {
	if e.oracle == nil || s.req.Query == "" || len(s.res.Containers) == 0 {
		return
	}
	callCtx, cancel := s.externalContext(ctx)
	defer cancel()

	confirmed, err := e.oracle.Confirm(callCtx, s.res.Containers, s.req.Query)
	s.res.Stats.ExternalCalls++
	if err != nil {
		e.logger.Warn("zero-shot confirmation unavailable", "error", err)
		return
	}

	keep := make(map[model.ContainerID]struct{}, len(confirmed))
	for _, id := range confirmed {
		keep[id] = struct{}{}
	}
	containers := s.res.Containers[:0]
	distances := s.res.Distances[:0]
	for i, id := range s.res.Containers {
		if _, ok := keep[id]; ok {
			containers = append(containers, id)
			distances = append(distances, s.res.Distances[i])
		} else {
			delete(s.res.Paths, id)
		}
	}
	s.res.Containers = containers
	s.res.Distances = distances
}

// traverseWithTrainingLog runs both the ML-guided traversal and the
// brute-force ground truth, emits their top-k gaps as structured training
// records, and returns the ML-guided result.
func (e *Engine) traverseWithTrainingLog(ctx context.Context, g Graph, req Request, started time.Time) (*Result, error) {
	mlReq := req
	mlReq.TrainingLog = false
	mlRes, err := e.Traverse(ctx, g, mlReq)
	if err != nil {
		return nil, err
	}

	bfReq := req
	bfReq.TrainingLog = false
	bfReq.Mode = ModeBruteForce
	bfRes, err := e.Traverse(ctx, g, bfReq)
	if err != nil {
		return nil, err
	}

	mlSet := make(map[model.ContainerID]struct{}, len(mlRes.Containers))
	for _, id := range mlRes.Containers {
		mlSet[id] = struct{}{}
	}
	var missed []uint64
	for _, id := range bfRes.Containers {
		if _, ok := mlSet[id]; !ok {
			missed = append(missed, uint64(id))
		}
	}
	if len(missed) > 0 {
		e.logger.Info("relevance training gap",
			"start", uint64(req.Start),
			"query", req.Query,
			"ml_results", len(mlRes.Containers),
			"ground_truth_results", len(bfRes.Containers),
			"missed_ids", missed,
		)
	}

	mlRes.Stats.Elapsed = time.Since(started)
	return mlRes, nil
}
