package notes_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"envtrack/internal/blobstore"
	"envtrack/internal/config"
	"envtrack/internal/faults"
	"envtrack/internal/imaging"
	"envtrack/internal/logging"
	"envtrack/internal/notes"
	"envtrack/internal/ratelimit"
	"envtrack/internal/store"
	"envtrack/internal/testsupport"
)

type imageHarness struct {
	cfg    *config.Config
	db     *store.DB
	notes  *notes.Store
	blobs  *blobstore.Store
	images *notes.ImageStore
}

func newImageHarness(t *testing.T, guard *ratelimit.Guard, opts ...testsupport.ConfigOption) *imageHarness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	db := testsupport.MustOpenStore(t, cfg)
	blobs, err := blobstore.New(cfg.Paths.ImageDir, cfg.Images.MinFreeBytes)
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	images := notes.NewImageStore(db, blobs, guard, notes.ImageOptions{
		Normalize:  imaging.OptionsFromConfig(cfg),
		MaxPerNote: cfg.Images.MaxPerNote,
	}, logging.NewNop(), nil)
	return &imageHarness{cfg: cfg, db: db, notes: notes.NewStore(db), blobs: blobs, images: images}
}

func (h *imageHarness) operatorNote(t *testing.T) int64 {
	t.Helper()
	note, err := h.notes.CreateOperatorNote(context.Background(), notes.CreateOperatorNoteRequest{
		EnvelopeKey: "E1", MachineID: "PRESS-1", Content: notes.NewStandard("see photo"), Actor: "op1",
	})
	if err != nil {
		t.Fatalf("create note failed: %v", err)
	}
	return note.ID
}

func (h *imageHarness) fileCount(t *testing.T) int {
	t.Helper()
	count := 0
	if err := h.blobs.Walk(func(blobstore.File) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	return count
}

func (h *imageHarness) rowCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := h.db.QueryRowContext(context.Background(), "SELECT COUNT(1) FROM note_images").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func (h *imageHarness) upload(t *testing.T, noteID int64, data []byte) (notes.Image, error) {
	t.Helper()
	return h.images.Upload(context.Background(), notes.UploadRequest{
		Scope:    notes.ScopeOperatorNote,
		NoteID:   noteID,
		Actor:    "op1",
		ClientIP: "10.0.0.5",
		Filename: "photo.png",
		Data:     data,
	})
}

func sampleAnnotations() notes.Annotations {
	return notes.Annotations{
		Version: notes.AnnotationsVersion,
		Objects: []notes.Shape{
			notes.Rect{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.15, Stroke: "#ff0000", StrokeWidth: 3},
			notes.Arrow{Points: []float64{0.1, 0.1, 0.5, 0.5}, Stroke: "#ff0000", StrokeWidth: 3},
		},
	}
}

func TestUploadAndRevisionScenario(t *testing.T) {
	h := newImageHarness(t, nil)
	noteID := h.operatorNote(t)
	ctx := context.Background()

	img, err := h.upload(t, noteID, testsupport.PNG(t, 50, 50))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if img.MIMEType != "image/webp" || img.Revision != 1 || img.Width != 50 || img.Height != 50 {
		t.Fatalf("unexpected image %+v", img)
	}
	if img.OriginalFilename != "photo.png" || img.SHA256 == "" || img.SizeBytes == 0 {
		t.Fatalf("unexpected metadata %+v", img)
	}
	abs, err := h.blobs.Resolve(img.StoragePath)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Ext(abs) != ".webp" {
		t.Fatalf("expected .webp file, got %s", abs)
	}

	updated, err := h.images.UpdateAnnotations(ctx, notes.UpdateAnnotationsRequest{
		ImageID: img.ID, Actor: "op2", Annotations: sampleAnnotations(), ExpectedRevision: 1,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", updated.Revision)
	}

	var before string
	if err := h.db.QueryRowContext(ctx, "SELECT annotations_json FROM note_images WHERE id = ?", img.ID).Scan(&before); err != nil {
		t.Fatalf("read annotations: %v", err)
	}

	_, err = h.images.UpdateAnnotations(ctx, notes.UpdateAnnotationsRequest{
		ImageID: img.ID, Actor: "op3", Annotations: notes.EmptyAnnotations(), ExpectedRevision: 1,
	})
	if !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	fe := faults.From(err)
	if rev, _ := fe.Details["current_revision"].(int64); rev != 2 {
		t.Fatalf("expected current_revision 2, got %v", fe.Details["current_revision"])
	}
	current, ok := fe.Details["current_annotations"].(notes.Annotations)
	if !ok || len(current.Objects) != 2 {
		t.Fatalf("expected current annotations in details, got %v", fe.Details["current_annotations"])
	}

	var after string
	if err := h.db.QueryRowContext(ctx, "SELECT annotations_json FROM note_images WHERE id = ?", img.ID).Scan(&after); err != nil {
		t.Fatalf("read annotations: %v", err)
	}
	if before != after {
		t.Fatalf("stale update modified annotations:\n%s\n%s", before, after)
	}

	got, err := h.images.GetImage(ctx, img.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Revision != 2 || len(got.Annotations.Objects) != 2 || got.ModifiedBy != "op2" {
		t.Fatalf("unexpected stored image %+v", got)
	}
}

func TestUploadLimitPerNote(t *testing.T) {
	h := newImageHarness(t, nil)
	noteID := h.operatorNote(t)

	for i := 0; i < 3; i++ {
		if _, err := h.upload(t, noteID, testsupport.PNG(t, 20, 20)); err != nil {
			t.Fatalf("upload %d failed: %v", i, err)
		}
	}
	files := h.fileCount(t)

	_, err := h.upload(t, noteID, testsupport.PNG(t, 20, 20))
	if !errors.Is(err, faults.ErrLimitExceeded) {
		t.Fatalf("expected LIMIT_EXCEEDED, got %v", err)
	}
	if h.fileCount(t) != files {
		t.Fatal("rejected upload left a file behind")
	}

	images, err := h.images.ListImages(context.Background(), notes.ScopeOperatorNote, noteID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(images))
	}
	if err := h.images.SoftDelete(context.Background(), images[0].ID, "op1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := h.upload(t, noteID, testsupport.PNG(t, 20, 20)); err != nil {
		t.Fatalf("upload after delete failed: %v", err)
	}
}

func TestUploadRejectionsLeaveNothing(t *testing.T) {
	h := newImageHarness(t, nil, testsupport.WithMaxUploadBytes(1024))
	noteID := h.operatorNote(t)

	cases := map[string]struct {
		noteID int64
		scope  notes.Scope
		data   []byte
		code   faults.Code
	}{
		"too large":     {noteID: noteID, scope: notes.ScopeOperatorNote, data: append(testsupport.PNG(t, 8, 8), make([]byte, 2048)...), code: faults.CodePayloadTooLarge},
		"bad signature": {noteID: noteID, scope: notes.ScopeOperatorNote, data: []byte("plain text, not an image"), code: faults.CodeBadFormat},
		"corrupt":       {noteID: noteID, scope: notes.ScopeOperatorNote, data: testsupport.TruncatedPNG(t), code: faults.CodeBadFormat},
		"missing note":  {noteID: noteID + 100, scope: notes.ScopeOperatorNote, data: testsupport.PNG(t, 8, 8), code: faults.CodeNotFound},
		"wrong scope":   {noteID: noteID, scope: notes.ScopeProductMachineNote, data: testsupport.PNG(t, 8, 8), code: faults.CodeNotFound},
		"bad scope":     {noteID: noteID, scope: "calendar", data: testsupport.PNG(t, 8, 8), code: faults.CodeValidation},
	}
	for name, tc := range cases {
		_, err := h.images.Upload(context.Background(), notes.UploadRequest{
			Scope: tc.scope, NoteID: tc.noteID, Actor: "op1", Data: tc.data,
		})
		if got := faults.CodeOf(err); got != tc.code {
			t.Fatalf("%s: expected %s, got %v", name, tc.code, err)
		}
	}
	if h.fileCount(t) != 0 || h.rowCount(t) != 0 {
		t.Fatalf("rejected uploads left %d files and %d rows", h.fileCount(t), h.rowCount(t))
	}
}

func TestUploadRateLimited(t *testing.T) {
	counter := ratelimit.NewMemory()
	guard := ratelimit.NewGuard(counter, ratelimit.Limits{UserMax: 2, IPMax: 10, Window: time.Minute}, logging.NewNop(), nil)
	h := newImageHarness(t, guard)
	noteID := h.operatorNote(t)
	other := h.operatorNote(t)

	for i := 0; i < 2; i++ {
		if _, err := h.upload(t, []int64{noteID, other}[i], testsupport.PNG(t, 8, 8)); err != nil {
			t.Fatalf("upload %d failed: %v", i, err)
		}
	}
	if _, err := h.upload(t, other, testsupport.PNG(t, 8, 8)); !errors.Is(err, faults.ErrRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}

func TestConcurrentUploadsRespectLimit(t *testing.T) {
	h := newImageHarness(t, nil)
	noteID := h.operatorNote(t)
	data := testsupport.PNG(t, 16, 16)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.upload(t, noteID, data); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 3 {
		t.Fatalf("expected exactly 3 uploads to succeed, got %d", success)
	}
	if h.fileCount(t) != 3 {
		t.Fatalf("expected 3 files, got %d", h.fileCount(t))
	}
}

func TestSoftDeleteRemovesFile(t *testing.T) {
	h := newImageHarness(t, nil)
	noteID := h.operatorNote(t)
	ctx := context.Background()

	img, err := h.upload(t, noteID, testsupport.JPEG(t, 30, 30))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if err := h.images.SoftDelete(ctx, img.ID, "op1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if exists, _ := h.blobs.Exists(img.StoragePath); exists {
		t.Fatal("expected file to be removed")
	}
	if _, err := h.images.GetImage(ctx, img.ID); faults.CodeOf(err) != faults.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := h.images.SoftDelete(ctx, img.ID, "op1"); faults.CodeOf(err) != faults.CodeNotFound {
		t.Fatalf("expected NOT_FOUND on second delete, got %v", err)
	}
	if _, err := h.images.UpdateAnnotations(ctx, notes.UpdateAnnotationsRequest{
		ImageID: img.ID, Actor: "op1", Annotations: notes.EmptyAnnotations(), ExpectedRevision: 1,
	}); faults.CodeOf(err) != faults.CodeNotFound {
		t.Fatalf("expected NOT_FOUND updating deleted image, got %v", err)
	}
}

func TestImageJSONHidesStoragePath(t *testing.T) {
	h := newImageHarness(t, nil)
	noteID := h.operatorNote(t)
	img, err := h.upload(t, noteID, testsupport.PNG(t, 10, 10))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	raw, err := json.Marshal(img)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["storage_path"]; ok {
		t.Fatal("storage path must not be serialized")
	}
	if decoded["mime_type"] != "image/webp" {
		t.Fatalf("unexpected mime %v", decoded["mime_type"])
	}
}

func TestSweeperRemovesOrphans(t *testing.T) {
	h := newImageHarness(t, nil)
	noteID := h.operatorNote(t)
	ctx := context.Background()

	kept, err := h.upload(t, noteID, testsupport.PNG(t, 10, 10))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	gone, err := h.upload(t, noteID, testsupport.PNG(t, 12, 12))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	orphan, err := h.blobs.Write([]byte("RIFF orphan"), old)
	if err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	orphanAbs, _ := h.blobs.Resolve(orphan)
	if err := os.Chtimes(orphanAbs, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	fresh, err := h.blobs.Write([]byte("RIFF in flight"), time.Now())
	if err != nil {
		t.Fatalf("write fresh: %v", err)
	}
	goneAbs, _ := h.blobs.Resolve(gone.StoragePath)
	if err := os.Remove(goneAbs); err != nil {
		t.Fatalf("remove: %v", err)
	}

	sweeper := notes.NewSweeper(h.db, h.blobs, time.Hour, logging.NewNop(), nil)

	dry, err := sweeper.Run(ctx, true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if len(dry.Removed) != 1 || dry.Removed[0] != orphan {
		t.Fatalf("expected dry run to report the orphan, got %v", dry.Removed)
	}
	if exists, _ := h.blobs.Exists(orphan); !exists {
		t.Fatal("dry run removed a file")
	}

	res, err := sweeper.Run(ctx, false)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(res.Removed) != 1 || res.Kept != 1 || res.Scanned != 3 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if len(res.Missing) != 1 || res.Missing[0].ImageID != gone.ID {
		t.Fatalf("expected missing file for image %d, got %+v", gone.ID, res.Missing)
	}
	if exists, _ := h.blobs.Exists(orphan); exists {
		t.Fatal("orphan survived the sweep")
	}
	if exists, _ := h.blobs.Exists(fresh); !exists {
		t.Fatal("sweep removed a file inside the grace period")
	}
	if exists, _ := h.blobs.Exists(kept.StoragePath); !exists {
		t.Fatal("sweep removed a referenced file")
	}
}
