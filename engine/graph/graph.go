// Package graph maintains the event graph in Neo4j: tickers, documents, and
// detected risk events with their relationships. The graph is enrichment
// only; every write is best-effort and no pipeline fails on graph errors.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/sentinelai/sentinel/engine/domain"
)

// EventGraph provides graph operations over the risk event history.
type EventGraph struct {
	driver neo4j.DriverWithContext
}

// New creates an EventGraph.
func New(driver neo4j.DriverWithContext) *EventGraph {
	return &EventGraph{driver: driver}
}

// SaveDocument records a document node and links it to its ticker.
func (g *EventGraph) SaveDocument(ctx context.Context, doc domain.Document) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (d:Document {id: $id})
		SET d.version = $version, d.source = $source, d.ingested_at = $ingested_at`
	params := map[string]any{
		"id":          doc.ID,
		"version":     doc.Version,
		"source":      doc.Source,
		"ingested_at": doc.IngestedAt.UTC().Unix(),
	}
	if doc.Ticker != "" {
		cypher += `
		MERGE (t:Ticker {symbol: $ticker})
		MERGE (d)-[:MENTIONS]->(t)`
		params["ticker"] = doc.Ticker
	}
	if _, err := sess.Run(ctx, cypher, params); err != nil {
		return fmt.Errorf("graph: save document %s: %w", doc.ID, err)
	}
	return nil
}

// SaveEvent records a detected risk event, linked to its ticker and to the
// documents its triggering chunks came from.
func (g *EventGraph) SaveEvent(ctx context.Context, event domain.Event, docIDs []string) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `
		MERGE (e:Event {id: $id})
		SET e.salience = $salience, e.terms = $terms, e.headline = $headline,
		    e.detected_at = $detected_at, e.fingerprint = $fingerprint
		MERGE (t:Ticker {symbol: $ticker})
		MERGE (e)-[:AFFECTS]->(t)
		WITH e
		UNWIND $doc_ids AS doc_id
		MATCH (d:Document {id: doc_id})
		MERGE (e)-[:DERIVED_FROM]->(d)`,
		map[string]any{
			"id":          event.ID,
			"salience":    event.Salience,
			"terms":       event.Terms,
			"headline":    event.Headline,
			"detected_at": event.DetectedAt.UTC().Unix(),
			"fingerprint": event.Fingerprint,
			"ticker":      event.Ticker,
			"doc_ids":     docIDs,
		})
	if err != nil {
		return fmt.Errorf("graph: save event %s: %w", event.ID, err)
	}
	return nil
}

// EventSummary is a prior event returned for analyst enrichment.
type EventSummary struct {
	ID         string
	Ticker     string
	Salience   float64
	Terms      []string
	Headline   string
	DetectedAt time.Time
}

// RelatedEvents returns prior events affecting a ticker since the given
// time, most recent first.
func (g *EventGraph) RelatedEvents(ctx context.Context, ticker string, since time.Time, limit int) ([]EventSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `
		MATCH (e:Event)-[:AFFECTS]->(t:Ticker {symbol: $ticker})
		WHERE e.detected_at >= $since
		RETURN e ORDER BY e.detected_at DESC LIMIT $limit`,
		map[string]any{
			"ticker": ticker,
			"since":  since.UTC().Unix(),
			"limit":  limit,
		})
	if err != nil {
		return nil, fmt.Errorf("graph: related events for %s: %w", ticker, err)
	}

	var out []EventSummary
	for result.Next(ctx) {
		node, ok := result.Record().Get("e")
		if !ok {
			continue
		}
		n, ok := node.(dbtype.Node)
		if !ok {
			continue
		}
		out = append(out, summaryFromNode(ticker, n))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graph: related events for %s: %w", ticker, err)
	}
	return out, nil
}

func summaryFromNode(ticker string, n dbtype.Node) EventSummary {
	s := EventSummary{Ticker: ticker}
	if v, ok := n.Props["id"].(string); ok {
		s.ID = v
	}
	if v, ok := n.Props["salience"].(float64); ok {
		s.Salience = v
	}
	if v, ok := n.Props["headline"].(string); ok {
		s.Headline = v
	}
	if v, ok := n.Props["detected_at"].(int64); ok {
		s.DetectedAt = time.Unix(v, 0).UTC()
	}
	if terms, ok := n.Props["terms"].([]any); ok {
		for _, t := range terms {
			if str, ok := t.(string); ok {
				s.Terms = append(s.Terms, str)
			}
		}
	}
	return s
}
