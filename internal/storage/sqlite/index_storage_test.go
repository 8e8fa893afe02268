package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/models"
)

func setupTestStorage(t *testing.T) *IndexStorage {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Archive.BasePath = t.TempDir()

	storage, err := NewIndexStorage(arbor.NewLogger(), cfg)
	if err != nil {
		t.Fatalf("Failed to create index storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	// Both database files land under {base}/indexes
	for _, name := range []string{metadataFile, ftsFile} {
		if _, err := os.Stat(filepath.Join(cfg.Archive.BasePath, "indexes", name)); err != nil {
			t.Fatalf("Expected %s to exist: %v", name, err)
		}
	}
	return storage
}

func testDocument(entity, relPath string, date time.Time) *models.IndexDocument {
	return &models.IndexDocument{
		Entity:     entity,
		Date:       date,
		Filename:   filepath.Base(relPath),
		RelPath:    relPath,
		Hash:       "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Size:       2048,
		Type:       "receipt",
		Source:     "mail",
		Workflow:   "acme-receipt",
		Confidence: 0.91,
		OriginJSON: `{"from":"billing@vendor.example"}`,
	}
}

func TestUpsertDocument(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	doc := testDocument("acme", "docs/2025/2025-03-10-mail-sswfm0.pdf", date)
	id, err := storage.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("UpsertDocument failed: %v", err)
	}
	if id == 0 {
		t.Fatal("Expected a non-zero id")
	}
	if doc.ID != id {
		t.Errorf("Expected doc.ID to be filled, got %d", doc.ID)
	}

	// Same (entity, rel_path) updates in place, id is stable
	doc2 := testDocument("acme", "docs/2025/2025-03-10-mail-sswfm0.pdf", date)
	doc2.Hash = "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	doc2.Workflow = "acme-invoice"
	doc2.Filename = "renamed.pdf" // immutable on conflict, must not stick
	id2, err := storage.UpsertDocument(ctx, doc2)
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	if id2 != id {
		t.Errorf("Expected stable id %d, got %d", id, id2)
	}

	got, err := storage.GetDocument(ctx, "acme", "docs/2025/2025-03-10-mail-sswfm0.pdf")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a document")
	}
	if got.Hash != doc2.Hash {
		t.Errorf("Expected updated hash, got %s", got.Hash)
	}
	if got.Workflow != "acme-invoice" {
		t.Errorf("Expected updated workflow, got %s", got.Workflow)
	}
	if got.Filename != "2025-03-10-mail-sswfm0.pdf" {
		t.Errorf("Expected original filename to survive the conflict update, got %s", got.Filename)
	}
	if !got.Date.Equal(date) {
		t.Errorf("Expected date %v, got %v", date, got.Date)
	}

	count, _ := storage.CountDocuments(ctx)
	if count != 1 {
		t.Errorf("Expected 1 document, got %d", count)
	}

	// Same rel_path under a different entity is a distinct row
	other := testDocument("personal", "docs/2025/2025-03-10-mail-sswfm0.pdf", date)
	if _, err := storage.UpsertDocument(ctx, other); err != nil {
		t.Fatalf("Upsert for second entity failed: %v", err)
	}
	count, _ = storage.CountDocuments(ctx)
	if count != 2 {
		t.Errorf("Expected 2 documents, got %d", count)
	}
}

func TestGetDocument_Missing(t *testing.T) {
	storage := setupTestStorage(t)

	doc, err := storage.GetDocument(context.Background(), "acme", "docs/2025/nope.pdf")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc != nil {
		t.Errorf("Expected nil for a missing document, got %+v", doc)
	}
}

func TestSearch_FullText(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	taxi := testDocument("acme", "docs/2025/taxi.pdf", date)
	taxiID, err := storage.UpsertDocument(ctx, taxi)
	if err != nil {
		t.Fatal(err)
	}
	hotel := testDocument("acme", "docs/2025/hotel.pdf", date.AddDate(0, 0, 1))
	hotelID, err := storage.UpsertDocument(ctx, hotel)
	if err != nil {
		t.Fatal(err)
	}

	err = storage.UpsertSearchText(ctx, taxiID, &models.SearchText{
		Filename:      "taxi.pdf",
		EmailSubject:  "Taxi receipt",
		EmailFrom:     "billing@cabco.example",
		SearchContent: "Thank you for riding with CabCo, total fare 23.50",
	})
	if err != nil {
		t.Fatalf("UpsertSearchText failed: %v", err)
	}
	err = storage.UpsertSearchText(ctx, hotelID, &models.SearchText{
		Filename:      "hotel.pdf",
		EmailSubject:  "Hotel invoice",
		EmailFrom:     "stays@grandhotel.example",
		SearchContent: "Two nights deluxe room, breakfast included",
	})
	if err != nil {
		t.Fatalf("UpsertSearchText failed: %v", err)
	}

	hits, err := storage.Search(ctx, models.SearchOptions{Query: "fare"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit for 'fare', got %d", len(hits))
	}
	if hits[0].Document.RelPath != "docs/2025/taxi.pdf" {
		t.Errorf("Expected taxi document, got %s", hits[0].Document.RelPath)
	}
	if hits[0].Snippet == "" {
		t.Error("Expected a snippet")
	}

	// Replacing search text drops the old tokens
	err = storage.UpsertSearchText(ctx, taxiID, &models.SearchText{
		Filename:      "taxi.pdf",
		SearchContent: "rewritten content",
	})
	if err != nil {
		t.Fatal(err)
	}
	hits, _ = storage.Search(ctx, models.SearchOptions{Query: "fare"})
	if len(hits) != 0 {
		t.Errorf("Expected no hits after replacement, got %d", len(hits))
	}
}

func TestSearch_NoQueryOrdersByDate(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for i, relPath := range []string{"docs/2025/a.pdf", "docs/2025/b.pdf", "docs/2025/c.pdf"} {
		doc := testDocument("acme", relPath, base.AddDate(0, 0, i))
		if _, err := storage.UpsertDocument(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := storage.Search(ctx, models.SearchOptions{Entity: "acme"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("Expected 3 hits, got %d", len(hits))
	}
	if hits[0].Document.RelPath != "docs/2025/c.pdf" {
		t.Errorf("Expected newest first, got %s", hits[0].Document.RelPath)
	}
	if hits[2].Document.RelPath != "docs/2025/a.pdf" {
		t.Errorf("Expected oldest last, got %s", hits[2].Document.RelPath)
	}
}

func TestSearch_Filters(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	receipt := testDocument("acme", "docs/2025/receipt.pdf", date)
	if _, err := storage.UpsertDocument(ctx, receipt); err != nil {
		t.Fatal(err)
	}
	slackDoc := testDocument("personal", "docs/2025/note.pdf", date)
	slackDoc.Source = "slack"
	slackDoc.Workflow = ""
	if _, err := storage.UpsertDocument(ctx, slackDoc); err != nil {
		t.Fatal(err)
	}

	hits, err := storage.Search(ctx, models.SearchOptions{Source: "slack"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Document.Entity != "personal" {
		t.Errorf("Source filter returned %d hits", len(hits))
	}

	hits, err = storage.Search(ctx, models.SearchOptions{Entity: "acme", Workflow: "acme-receipt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Document.RelPath != "docs/2025/receipt.pdf" {
		t.Errorf("Combined filters returned %d hits", len(hits))
	}
}

func TestStreamsAndLinks(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	stream := &models.IndexStream{
		Entity:     "personal",
		Kind:       "chat",
		Channel:    "receipts-chat",
		Date:       date,
		RelPath:    "streams/chat/receipts-chat/2025/2025-03-10-slack-sswfm0.md",
		OriginJSON: `{"permalink":"https://slack.example/p1"}`,
	}
	streamID, err := storage.UpsertStream(ctx, stream)
	if err != nil {
		t.Fatalf("UpsertStream failed: %v", err)
	}
	if streamID == 0 {
		t.Fatal("Expected a non-zero stream id")
	}

	// Upsert keeps the id stable
	again, err := storage.UpsertStream(ctx, stream)
	if err != nil {
		t.Fatal(err)
	}
	if again != streamID {
		t.Errorf("Expected stable stream id %d, got %d", streamID, again)
	}

	doc := testDocument("personal", "docs/2025/linked.pdf", date)
	docID, err := storage.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}

	if err := storage.LinkStreamDocument(ctx, streamID, docID); err != nil {
		t.Fatalf("LinkStreamDocument failed: %v", err)
	}
	// Linking twice is harmless
	if err := storage.LinkStreamDocument(ctx, streamID, docID); err != nil {
		t.Fatalf("Second link failed: %v", err)
	}

	links, err := storage.GetStreamLinks(ctx, streamID)
	if err != nil {
		t.Fatalf("GetStreamLinks failed: %v", err)
	}
	if len(links) != 1 || links[0] != docID {
		t.Errorf("Expected [%d], got %v", docID, links)
	}

	count, _ := storage.CountStreams(ctx)
	if count != 1 {
		t.Errorf("Expected 1 stream, got %d", count)
	}
}

func TestClearAll(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	doc := testDocument("acme", "docs/2025/doc.pdf", date)
	docID, err := storage.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.UpsertSearchText(ctx, docID, &models.SearchText{Filename: "doc.pdf", SearchContent: "findme"}); err != nil {
		t.Fatal(err)
	}

	if err := storage.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	count, _ := storage.CountDocuments(ctx)
	if count != 0 {
		t.Errorf("Expected 0 documents after ClearAll, got %d", count)
	}
	hits, _ := storage.Search(ctx, models.SearchOptions{Query: "findme"})
	if len(hits) != 0 {
		t.Errorf("Expected no search hits after ClearAll, got %d", len(hits))
	}
}

func TestDeleteDocument(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	doc := testDocument("acme", "docs/2025/gone.pdf", date)
	docID, err := storage.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.UpsertSearchText(ctx, docID, &models.SearchText{Filename: "gone.pdf", SearchContent: "ephemeral"}); err != nil {
		t.Fatal(err)
	}

	if err := storage.DeleteDocument(ctx, "acme", "docs/2025/gone.pdf"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}

	got, _ := storage.GetDocument(ctx, "acme", "docs/2025/gone.pdf")
	if got != nil {
		t.Error("Expected document to be gone")
	}
	hits, _ := storage.Search(ctx, models.SearchOptions{Query: "ephemeral"})
	if len(hits) != 0 {
		t.Errorf("Expected search mirror to be gone, got %d hits", len(hits))
	}

	// Deleting a missing document is not an error
	if err := storage.DeleteDocument(ctx, "acme", "docs/2025/gone.pdf"); err != nil {
		t.Errorf("Second delete failed: %v", err)
	}
}
