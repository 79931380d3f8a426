package compare

import (
	"crypto/sha256"
	"encoding/hex"

	"rss_relay/internal/model"
)

// Identity field names, also used as the stored "id" field prefix.
const (
	IDGUID    = "guid"
	IDTitle   = "title"
	IDPubDate = "pubdate"
)

// idField is the ledger field that always holds the hashed identity value.
const idField = "id"

// Entry is an article paired with its identity within one feed.
type Entry struct {
	// ID is the hashed identity used as the ledger key. Empty when the
	// article could not be identified.
	ID string
	// IDType names the article field the identity was taken from.
	IDType string
	// IDValue is the raw identity value.
	IDValue string
	Article model.Article
}

// Identified reports whether the entry carries a usable identity.
func (e Entry) Identified() bool {
	return e.ID != ""
}

// Hash returns the hex sha256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// guidsCollide reports whether more than half of the articles share one
// non-empty guid, a defect of some feed generators.
func guidsCollide(articles []model.Article) bool {
	if len(articles) < 2 {
		return false
	}
	counts := make(map[string]int)
	for _, a := range articles {
		if a.GUID == "" {
			continue
		}
		counts[a.GUID]++
		if counts[a.GUID]*2 > len(articles) {
			return true
		}
	}
	return false
}

// Identify assigns every article its identity. When guids collide across
// the set the title is used instead, then the publish date. The same
// function serves both ledger reads and writes.
func Identify(articles []model.Article) []Entry {
	order := []string{IDGUID, IDTitle, IDPubDate}
	if guidsCollide(articles) {
		order = []string{IDTitle, IDPubDate}
	}

	out := make([]Entry, len(articles))
	for i, a := range articles {
		out[i] = Entry{Article: a}
		for _, field := range order {
			v := a.Field(field)
			if v == "" {
				continue
			}
			out[i].IDType = field
			out[i].IDValue = v
			out[i].ID = Hash(field + ":" + v)
			break
		}
	}
	return out
}
