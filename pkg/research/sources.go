package research

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"luxmap/pkg/agents"
	"luxmap/pkg/events"
)

// State keys owned by the source registry.
const (
	StateURLToShortID    = "url_to_short_id"
	StateSources         = "sources"
	StateProcessedEvents = "grounding_events_processed"
)

// defaultConfidence is used when a support lists fewer scores than chunks.
const defaultConfidence = 0.5

// Claim is a text segment of an answer backed by a source.
type Claim struct {
	TextSegment string  `json:"text_segment"`
	Confidence  float64 `json:"confidence"`
}

// Source is one web page referenced by grounded answers.
type Source struct {
	ShortID         string  `json:"short_id"`
	Title           string  `json:"title"`
	URL             string  `json:"url"`
	Domain          string  `json:"domain"`
	SupportedClaims []Claim `json:"supported_claims"`
}

// DisplayText is the link text used for a citation.
func (s Source) DisplayText() string {
	switch {
	case s.Title != "":
		return s.Title
	case s.Domain != "":
		return s.Domain
	default:
		return s.ShortID
	}
}

// CollectStats summarises one collection pass.
type CollectStats struct {
	NewSources   int
	TotalSources int
	Claims       int
}

// Registry maps URLs to short ids and accumulates their claims.
type Registry struct {
	URLToShortID map[string]string
	Sources      map[string]Source
	processed    map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		URLToShortID: make(map[string]string),
		Sources:      make(map[string]Source),
		processed:    make(map[string]bool),
	}
}

// LoadRegistry reads the registry from session state.
func LoadRegistry(state *agents.State) (*Registry, error) {
	r := NewRegistry()
	if _, err := state.Decode(StateURLToShortID, &r.URLToShortID); err != nil {
		return nil, fmt.Errorf("decode %s: %w", StateURLToShortID, err)
	}
	if _, err := state.Decode(StateSources, &r.Sources); err != nil {
		return nil, fmt.Errorf("decode %s: %w", StateSources, err)
	}
	var processed []string
	if _, err := state.Decode(StateProcessedEvents, &processed); err != nil {
		return nil, fmt.Errorf("decode %s: %w", StateProcessedEvents, err)
	}
	if r.URLToShortID == nil {
		r.URLToShortID = make(map[string]string)
	}
	if r.Sources == nil {
		r.Sources = make(map[string]Source)
	}
	for _, id := range processed {
		r.processed[id] = true
	}
	return r, nil
}

// Save writes the registry back to session state.
func (r *Registry) Save(state *agents.State) {
	processed := make([]string, 0, len(r.processed))
	for id := range r.processed {
		processed = append(processed, id)
	}
	sort.Strings(processed)

	state.Apply(map[string]any{
		StateURLToShortID:    r.URLToShortID,
		StateSources:         r.Sources,
		StateProcessedEvents: processed,
	})
}

// Collect registers the web sources and supported claims of every grounded
// event not seen before.
func (r *Registry) Collect(history []*agents.Event) CollectStats {
	var stats CollectStats
	next := len(r.URLToShortID) + 1

	for _, e := range history {
		if !e.Grounding.HasChunks() || r.processed[e.ID] {
			continue
		}
		r.processed[e.ID] = true

		chunkToShortID := make(map[int]string)
		for idx, chunk := range e.Grounding.Chunks {
			if chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			url := chunk.Web.URI
			shortID, ok := r.URLToShortID[url]
			if !ok {
				shortID = "src-" + strconv.Itoa(next)
				next++
				r.URLToShortID[url] = shortID
				r.Sources[shortID] = Source{
					ShortID:         shortID,
					Title:           sourceTitle(chunk.Web.Title, chunk.Web.Domain),
					URL:             url,
					Domain:          chunk.Web.Domain,
					SupportedClaims: []Claim{},
				}
				stats.NewSources++
			}
			chunkToShortID[idx] = shortID
		}

		for _, support := range e.Grounding.Supports {
			segment := ""
			if support.Segment != nil {
				segment = support.Segment.Text
			}
			for i, chunkIdx := range support.ChunkIndices {
				shortID, ok := chunkToShortID[chunkIdx]
				if !ok {
					continue
				}
				confidence := defaultConfidence
				if i < len(support.ConfidenceScores) {
					confidence = support.ConfidenceScores[i]
				}
				src := r.Sources[shortID]
				src.SupportedClaims = append(src.SupportedClaims, Claim{TextSegment: segment, Confidence: confidence})
				r.Sources[shortID] = src
				stats.Claims++
			}
		}
	}

	stats.TotalSources = len(r.Sources)
	return stats
}

func sourceTitle(title, domain string) string {
	if strings.TrimSpace(title) == "" || title == domain {
		return domain
	}
	return title
}

// CollectSources updates the registry in state from the session history.
func CollectSources(state *agents.State, history []*agents.Event) (CollectStats, error) {
	r, err := LoadRegistry(state)
	if err != nil {
		return CollectStats{}, err
	}
	stats := r.Collect(history)
	r.Save(state)
	return stats, nil
}

// SourcesFromState returns the registered sources keyed by short id.
func SourcesFromState(state *agents.State) (map[string]Source, error) {
	r, err := LoadRegistry(state)
	if err != nil {
		return nil, err
	}
	return r.Sources, nil
}

// CollectSourcesCallback is the after-agent hook of search-grounded agents.
func CollectSourcesCallback(ctx context.Context, cc *agents.CallbackContext) (string, error) {
	stats, err := CollectSources(cc.State(), cc.Events())
	if err != nil {
		return "", err
	}

	cc.Invocation.Logger().Infof("🔗 [%s] collected %d new sources (%d total, %d claims)",
		cc.AgentName, stats.NewSources, stats.TotalSources, stats.Claims)
	cc.Invocation.Publish(ctx, &events.SourcesCollectedEvent{
		NewSources:   stats.NewSources,
		TotalSources: stats.TotalSources,
		Claims:       stats.Claims,
	})
	return "", nil
}
