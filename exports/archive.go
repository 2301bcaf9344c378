package exports

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shelfmark/custodian/storage"
)

// buildArchive streams the given part objects into a single zip written at archiveKey.
// Parts are added in key order, which is part order since part numbers are zero padded.
// Entry names keep the producer and part segments but drop the prefix and user segments.
func buildArchive(ctx context.Context, store storage.Store, partKeys []string, archiveKey string) error {
	pr, pw := io.Pipe()

	go func() {
		zw := zip.NewWriter(pw)
		for _, key := range partKeys {
			if err := addEntry(ctx, store, zw, key); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		if err := zw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	if err := store.Put(ctx, archiveKey, "application/zip", pr); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

func addEntry(ctx context.Context, store storage.Store, zw *zip.Writer, key string) error {
	body, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	w, err := zw.Create(entryName(key))
	if err != nil {
		return fmt.Errorf("error creating zip entry for %s: %w", key, err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("error copying %s into zip: %w", key, err)
	}
	return nil
}

// entryName turns parts/{encodedId}/{producer}/part_000000.csv into {producer}/part_000000.csv
func entryName(key string) string {
	segs := strings.Split(key, "/")
	if len(segs) >= 2 {
		return strings.Join(segs[len(segs)-2:], "/")
	}
	return key
}
