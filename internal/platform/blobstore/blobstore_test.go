package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func seedImage(t *testing.T, store BlobStore, key, content string) *BlobMetadata {
	t.Helper()
	meta := BlobMetadata{
		Key:         key,
		FileName:    "avatar.png",
		ContentType: "image/png",
		CreatedBy:   "test-user",
	}
	result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedImage: %v", err)
	}
	return result
}

func TestIsImageContentType(t *testing.T) {
	tests := map[string]bool{
		"image/png":                true,
		"IMAGE/JPEG":               true,
		"image/webp; charset=x":    true,
		"application/pdf":          false,
		"":                         false,
		"text/plain":               false,
		"application/octet-stream": false,
	}
	for ct, want := range tests {
		if got := IsImageContentType(ct); got != want {
			t.Errorf("IsImageContentType(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestInMemoryBlobStore_Upload(t *testing.T) {
	store := NewInMemoryBlobStore()
	result := seedImage(t, store, "users/jdoe/profile_picture", "pixels")

	if result.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if result.Size != 6 {
		t.Errorf("expected size 6, got %d", result.Size)
	}
	want := fmt.Sprintf("%x", sha256.Sum256([]byte("pixels")))
	if result.Hash != want {
		t.Errorf("expected hash %s, got %s", want, result.Hash)
	}
	if result.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestInMemoryBlobStore_UploadReplacesKey(t *testing.T) {
	store := NewInMemoryBlobStore()
	seedImage(t, store, "facility/f1/cover_image", "first")
	second := seedImage(t, store, "facility/f1/cover_image", "second")

	rc, meta, err := store.Download(context.Background(), "facility/f1/cover_image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "second" || meta.ID != second.ID {
		t.Errorf("expected second upload to win, got %q", data)
	}
}

func TestInMemoryBlobStore_UploadRejects(t *testing.T) {
	store := NewInMemoryBlobStore()
	tests := []struct {
		name    string
		meta    BlobMetadata
		content io.Reader
		want    error
	}{
		{"missing key", BlobMetadata{FileName: "a.png", ContentType: "image/png"}, strings.NewReader("x"), ErrMissingKey},
		{"missing file name", BlobMetadata{Key: "k", ContentType: "image/png"}, strings.NewReader("x"), ErrMissingFileName},
		{"not an image", BlobMetadata{Key: "k", FileName: "a.pdf", ContentType: "application/pdf"}, strings.NewReader("x"), ErrInvalidContentType},
		{"too large", BlobMetadata{Key: "k", FileName: "a.png", ContentType: "image/png"}, bytes.NewReader(make([]byte, MaxImageSize+1)), ErrFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Upload(context.Background(), tt.meta, tt.content)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestInMemoryBlobStore_DeleteAndNotFound(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()
	seedImage(t, store, "users/a/profile_picture", "x")

	if err := store.Delete(ctx, "users/a/profile_picture"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete(ctx, "users/a/profile_picture"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}
	if _, err := store.GetMetadata(ctx, "users/a/profile_picture"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if _, _, err := store.Download(ctx, "users/a/profile_picture"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemoryBlobStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := ImageKey("users", fmt.Sprintf("u%d", i%5), SlotProfilePicture)
			_, _ = store.Upload(context.Background(), BlobMetadata{Key: key, FileName: "a.png", ContentType: "image/png"}, strings.NewReader("x"))
			_, _ = store.GetMetadata(context.Background(), key)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		if _, err := store.GetMetadata(context.Background(), ImageKey("users", fmt.Sprintf("u%d", i), SlotProfilePicture)); err != nil {
			t.Errorf("expected blob for u%d: %v", i, err)
		}
	}
}
