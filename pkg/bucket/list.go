package bucket

import (
	"context"
	"sort"
	"strings"
)

// MaxListKeys is the S3 page size ceiling
const MaxListKeys = 1000

// ListParams are the S3-style listing parameters
type ListParams struct {
	Prefix            string
	Delimiter         string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ObjectSummary is one listed object
type ObjectSummary struct {
	Key          string
	StorageKey   string
	Size         uint64
	LastModified int64
}

// ListResult is one page of a listing
type ListResult struct {
	Objects               []ObjectSummary
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

// ListObjects pages through the bucket's objects by their plaintext paths,
// which the forest restores on top of the obfuscated server namespace. With a
// delimiter, keys sharing a prefix up to the delimiter collapse into common
// prefixes. The continuation token is the last returned key.
func (b *Bucket) ListObjects(ctx context.Context, params ListParams) (*ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxKeys := params.MaxKeys
	if maxKeys <= 0 || maxKeys > MaxListKeys {
		maxKeys = MaxListKeys
	}

	after := params.StartAfter
	if params.ContinuationToken > after {
		after = params.ContinuationToken
	}

	b.mu.Lock()
	entries := b.forest.ListFiles()
	b.mu.Unlock()

	result := &ListResult{}
	seenPrefixes := make(map[string]bool)
	count := 0

	for _, entry := range entries {
		key := entry.OriginalPath
		if params.Prefix != "" && !strings.HasPrefix(key, params.Prefix) {
			continue
		}
		if after != "" && key <= after {
			continue
		}

		if params.Delimiter != "" {
			rest := key[len(params.Prefix):]
			if idx := strings.Index(rest, params.Delimiter); idx >= 0 {
				common := params.Prefix + rest[:idx+len(params.Delimiter)]
				if seenPrefixes[common] {
					continue
				}
				if count >= maxKeys {
					result.IsTruncated = true
					result.NextContinuationToken = lastReturnedKey(result)
					return result, nil
				}
				seenPrefixes[common] = true
				result.CommonPrefixes = append(result.CommonPrefixes, common)
				count++
				continue
			}
		}

		if count >= maxKeys {
			result.IsTruncated = true
			result.NextContinuationToken = lastReturnedKey(result)
			return result, nil
		}
		result.Objects = append(result.Objects, ObjectSummary{
			Key:          key,
			StorageKey:   entry.StorageKey,
			Size:         entry.Size,
			LastModified: entry.Mtime,
		})
		count++
	}

	sort.Strings(result.CommonPrefixes)
	return result, nil
}

// lastReturnedKey finds the greatest key or prefix emitted so far, which is
// what the next page continues after
func lastReturnedKey(r *ListResult) string {
	last := ""
	if len(r.Objects) > 0 {
		last = r.Objects[len(r.Objects)-1].Key
	}
	for _, p := range r.CommonPrefixes {
		if p > last {
			last = p
		}
	}
	return last
}
