package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreDatabase implements Database using Google Cloud Firestore. Every
// record lives under a single controller document so multiple controllers can
// share one project.
type FirestoreDatabase struct {
	client       *firestore.Client
	projectID    string
	database     string
	controllerID string
}

// configuredFirestore sets up the Firestore backend flags.
func configuredFirestore() *FirestoreDatabase {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	controllerID := lflag.String("firestore-controller-id", "default", "Document ID namespacing this controller's history")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreDatabase{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.controllerID = *controllerID

		// set this because that's how the firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client. Must be called before any other
// method.
func (f *FirestoreDatabase) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreDatabase) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreDatabase) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("controllers").Doc(f.controllerID).Collection(name)
}

// setJSONDoc stores v as a JSON blob keyed by the RFC3339 form of ts. The
// timestamp field backs the latest-record queries.
func (f *FirestoreDatabase) setJSONDoc(ctx context.Context, coll string, ts time.Time, v any, version int) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", coll, err)
	}
	docID := ts.UTC().Format(time.RFC3339)
	_, err = f.collection(coll).Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": ts,
		"version":   version,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s record: %w", coll, err)
	}
	return nil
}

// iterJSONDocs walks the RFC3339-keyed documents of coll in [start, end) and
// hands each JSON blob to decode.
func (f *FirestoreDatabase) iterJSONDocs(ctx context.Context, coll string, start, end time.Time, decode func(string) error) error {
	c := f.collection(coll)
	iter := c.
		Where(firestore.DocumentID, ">=", c.Doc(start.UTC().Format(time.RFC3339))).
		Where(firestore.DocumentID, "<", c.Doc(end.UTC().Format(time.RFC3339))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error iterating %s: %w", coll, err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "doc missing json",
				slog.String("collection", coll), slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			return fmt.Errorf("%s document %s missing 'json' field: %w", coll, doc.Ref.ID, err)
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "doc json not string",
				slog.String("collection", coll), slog.String("docID", doc.Ref.ID))
			return fmt.Errorf("%s document %s 'json' field is not string", coll, doc.Ref.ID)
		}
		if err := decode(jsonStr); err != nil {
			return fmt.Errorf("failed to unmarshal %s record (id=%s): %w", coll, doc.Ref.ID, err)
		}
	}
}

// InsertDecision adds the record of one evaluation tick.
func (f *FirestoreDatabase) InsertDecision(ctx context.Context, d types.Decision) error {
	return f.setJSONDoc(ctx, "decisions", d.Timestamp, d, types.CurrentDecisionVersion)
}

// GetDecisionHistory retrieves decision records within [start, end).
func (f *FirestoreDatabase) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	var decisions []types.Decision
	err := f.iterJSONDocs(ctx, "decisions", start, end, func(jsonStr string) error {
		var d types.Decision
		if err := json.Unmarshal([]byte(jsonStr), &d); err != nil {
			return err
		}
		decisions = append(decisions, d)
		return nil
	})
	return decisions, err
}

// UpsertPrice adds or updates one interval of price history.
func (f *FirestoreDatabase) UpsertPrice(ctx context.Context, p types.PricePoint) error {
	return f.setJSONDoc(ctx, "price_history", p.TSStart, p, types.CurrentPriceHistoryVersion)
}

// GetPriceHistory retrieves price records within [start, end).
func (f *FirestoreDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	var prices []types.PricePoint
	err := f.iterJSONDocs(ctx, "price_history", start, end, func(jsonStr string) error {
		var p types.PricePoint
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return err
		}
		prices = append(prices, p)
		return nil
	})
	return prices, err
}

// UpsertEnergyStats adds or updates one hour of measured energy.
func (f *FirestoreDatabase) UpsertEnergyStats(ctx context.Context, s types.EnergyStats) error {
	if s.TSHourStart.IsZero() {
		return fmt.Errorf("energy stats missing tsHourStart")
	}
	return f.setJSONDoc(ctx, "energy_history", s.TSHourStart.Truncate(time.Hour), s, types.CurrentEnergyStatsVersion)
}

// GetEnergyHistory retrieves energy records within [start, end).
func (f *FirestoreDatabase) GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error) {
	var allStats []types.EnergyStats
	err := f.iterJSONDocs(ctx, "energy_history", start.Truncate(time.Hour), end.Truncate(time.Hour), func(jsonStr string) error {
		var s types.EnergyStats
		if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
			return err
		}
		allStats = append(allStats, s)
		return nil
	})
	return allStats, err
}

// GetLatestEnergyStatsTime retrieves the hour of the newest energy record.
func (f *FirestoreDatabase) GetLatestEnergyStatsTime(ctx context.Context) (time.Time, error) {
	iter := f.collection("energy_history").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get latest energy stats doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid energy stats doc id %s: %w", doc.Ref.ID, err)
	}
	return ts, nil
}
