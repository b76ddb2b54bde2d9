package database

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/gjson"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

// Legacy history files come in two shapes:
//
//	v1: {"<itemId>": "<uri>"} or {"<itemId>": {"uri": "...", "cid": "...", "root_uri": ...}}
//	    for a single, implicit destination account
//	v2: {"version": 2, "accounts": {"<account>": {"<itemId>": {"status": ..., "uri": ...}}}}
//
// Both are migrated in memory to MigrationRecords; after import the database
// is the only representation consulted.

// LegacyVersion detects the shape of a legacy history document.
func LegacyVersion(doc []byte) (int, error) {
	if !gjson.ValidBytes(doc) {
		return 0, fmt.Errorf("legacy history is not valid JSON")
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return 0, fmt.Errorf("legacy history must be a JSON object")
	}
	if v := root.Get("version"); v.Exists() {
		if v.Int() == 2 && root.Get("accounts").IsObject() {
			return 2, nil
		}
		return 0, fmt.Errorf("unsupported legacy history version %s", v.Raw)
	}
	return 1, nil
}

// ParseLegacyHistory converts a legacy document into records. defaultAccount
// is assigned to v1 entries, which carry no account.
func ParseLegacyHistory(doc []byte, defaultAccount string) ([]*models.MigrationRecord, error) {
	version, err := LegacyVersion(doc)
	if err != nil {
		return nil, err
	}

	var out []*models.MigrationRecord
	root := gjson.ParseBytes(doc)
	switch version {
	case 1:
		if defaultAccount == "" {
			return nil, fmt.Errorf("v1 legacy history needs a default account")
		}
		root.ForEach(func(key, value gjson.Result) bool {
			out = append(out, legacyEntry(key.String(), defaultAccount, value))
			return true
		})
	case 2:
		root.Get("accounts").ForEach(func(account, items gjson.Result) bool {
			items.ForEach(func(key, value gjson.Result) bool {
				out = append(out, legacyEntry(key.String(), account.String(), value))
				return true
			})
			return true
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

func legacyEntry(itemID, account string, value gjson.Result) *models.MigrationRecord {
	rec := &models.MigrationRecord{ItemID: itemID, Account: account, Reason: "legacy import"}

	if value.Type == gjson.String || value.Type == gjson.Null {
		// Bare uri: no content hash, so the post can never be a strong-ref parent.
		if value.String() == "" {
			rec.Status = models.StatusFailed
			return rec
		}
		rec.Status = models.StatusMigrated
		rec.Post = models.PostRef{URI: value.String()}
		rec.Root = rec.Post
		rec.External = true
		return rec
	}

	status := models.MigrationStatus(value.Get("status").String())
	post := models.PostRef{URI: value.Get("uri").String(), CID: value.Get("cid").String()}
	root := models.PostRef{URI: value.Get("root_uri").String(), CID: value.Get("root_cid").String()}
	if status == "" {
		if post.URI != "" {
			status = models.StatusMigrated
		} else {
			status = models.StatusFailed
		}
	}

	switch status {
	case models.StatusMigrated:
		if post.URI == "" {
			rec.Status = models.StatusFailed
			return rec
		}
		if root.URI == "" {
			root = post
		}
		rec.Status = models.StatusMigrated
		rec.Post = post
		rec.Root = root
		rec.External = post.CID == "" || root.CID == "" || value.Get("external").Bool()
	case models.StatusSkipped:
		rec.Status = models.StatusSkipped
	default:
		rec.Status = models.StatusFailed
	}
	return rec
}

// ImportLegacyHistory reads a legacy history file and inserts records for keys
// not yet present. It returns the number of records inserted.
func (db *DB) ImportLegacyHistory(ctx context.Context, path, defaultAccount string) (int, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read legacy history: %w", err)
	}
	records, err := ParseLegacyHistory(doc, defaultAccount)
	if err != nil {
		return 0, fmt.Errorf("parse legacy history %s: %w", path, err)
	}

	inserted := 0
	for _, rec := range records {
		existing, err := db.Get(ctx, rec.ItemID, rec.Account)
		if err != nil {
			return inserted, err
		}
		if existing != nil {
			continue
		}
		if err := db.Put(ctx, rec); err != nil {
			logging.Warn("Skipping legacy history entry %s/%s: %v", rec.Account, rec.ItemID, err)
			continue
		}
		inserted++
	}
	logging.Info("Imported %d of %d legacy history records from %s", inserted, len(records), path)
	return inserted, nil
}
