package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ipfs/go-datastore"
	dsquery "github.com/ipfs/go-datastore/query"

	"github.com/sarafanio/overlay/overlay/chain"
	"github.com/sarafanio/overlay/overlay/magnet"
)

// Publication is the recorded form of an on-chain announcement.
type Publication struct {
	Magnet    magnet.Magnet `json:"magnet"`
	ReplyTo   magnet.Magnet `json:"reply_to"`
	Source    string        `json:"source"`
	Size      string        `json:"size"`
	Retention uint32        `json:"retention"`
}

// PublicationFromEvent converts a decoded chain event into its stored form.
func PublicationFromEvent(e chain.PublicationEvent) Publication {
	return Publication{
		Magnet:    e.Magnet,
		ReplyTo:   e.ReplyTo,
		Source:    e.Source.Hex(),
		Size:      e.Size.String(),
		Retention: e.Retention,
	}
}

// Post is the derived record produced once a publication's bundle has been
// downloaded, verified and rendered. A browser-facing surface consumes
// these; we only persist them.
type Post struct {
	Magnet     magnet.Magnet `json:"magnet"`
	ReplyTo    magnet.Magnet `json:"reply_to"`
	Source     string        `json:"source"`
	Markdown   string        `json:"markdown"`
	ReceivedAt time.Time     `json:"received_at"`
}

// PublicationStore persists publications keyed by magnet.
type PublicationStore struct {
	ds datastore.Datastore
}

// NewPublicationStore wraps ds as a publication store.
func NewPublicationStore(ds datastore.Datastore) *PublicationStore {
	return &PublicationStore{ds: ds}
}

func pubKey(m magnet.Magnet) datastore.Key {
	return datastore.NewKey("/" + m.String())
}

// Put records p, overwriting any previous record for the same magnet.
func (s *PublicationStore) Put(ctx context.Context, p Publication) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, pubKey(p.Magnet), b)
}

// Get returns the publication for m, if recorded.
func (s *PublicationStore) Get(ctx context.Context, m magnet.Magnet) (Publication, bool, error) {
	raw, err := s.ds.Get(ctx, pubKey(m))
	if err == datastore.ErrNotFound {
		return Publication{}, false, nil
	}
	if err != nil {
		return Publication{}, false, err
	}
	var p Publication
	if err := json.Unmarshal(raw, &p); err != nil {
		return Publication{}, false, err
	}
	return p, true, nil
}

// PostStore persists derived posts keyed by magnet.
type PostStore struct {
	ds datastore.Datastore
}

// NewPostStore wraps ds as a post store.
func NewPostStore(ds datastore.Datastore) *PostStore {
	return &PostStore{ds: ds}
}

// Put records p.
func (s *PostStore) Put(ctx context.Context, p Post) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, pubKey(p.Magnet), b)
}

// Get returns the post for m, if present.
func (s *PostStore) Get(ctx context.Context, m magnet.Magnet) (Post, bool, error) {
	raw, err := s.ds.Get(ctx, pubKey(m))
	if err == datastore.ErrNotFound {
		return Post{}, false, nil
	}
	if err != nil {
		return Post{}, false, err
	}
	var p Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return Post{}, false, err
	}
	return p, true, nil
}

// List pages through stored posts. cursor is the last key of the previous
// page, empty for the first; the returned cursor is empty once exhausted.
func (s *PostStore) List(ctx context.Context, cursor string, limit int) ([]Post, string, error) {
	if limit <= 0 {
		limit = 50
	}
	results, err := s.ds.Query(ctx, dsquery.Query{Orders: []dsquery.Order{dsquery.OrderByKey{}}})
	if err != nil {
		return nil, "", err
	}
	defer results.Close()

	var (
		posts []Post
		last  string
	)
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, "", entry.Error
		}
		if cursor != "" && entry.Key <= cursor {
			continue
		}
		var p Post
		if err := json.Unmarshal(entry.Value, &p); err != nil {
			return nil, "", err
		}
		posts = append(posts, p)
		last = entry.Key
		if len(posts) == limit {
			return posts, last, nil
		}
	}
	return posts, "", nil
}
