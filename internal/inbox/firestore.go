package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/accuwallet/inboxd/internal/accutil"
	"github.com/accuwallet/inboxd/internal/ledger"
)

const (
	pendingActionsCollection = "pendingActions"
	computedStateCollection  = "computedState"
	identitiesCollection     = "adis"
	summaryDocID             = "pending"
)

// FirestoreStore implements Store on a Firestore database. Layout:
//
//	/{users}/{uid}/pendingActions/{txHash}
//	/{users}/{uid}/computedState/pending
//	/{users}/{uid}/adis/{docID}
type FirestoreStore struct {
	client *firestore.Client
	users  string
	logger *slog.Logger
}

func NewFirestoreStore(client *firestore.Client, usersCollection string, logger *slog.Logger) *FirestoreStore {
	if usersCollection == "" {
		usersCollection = "users"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FirestoreStore{client: client, users: usersCollection, logger: logger}
}

func (s *FirestoreStore) userRef(uid string) *firestore.DocumentRef {
	return s.client.Collection(s.users).Doc(uid)
}

func (s *FirestoreStore) ListUsersWithIdentities(ctx context.Context) ([]User, error) {
	iter := s.client.Collection(s.users).
		Where("onboardingComplete", "==", true).
		Where("keyVaultSetup", "==", true).
		Documents(ctx)
	defer iter.Stop()

	var users []User
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		data := snap.Data()
		user := User{
			UID:             snap.Ref.ID,
			Email:           str(data, "email"),
			DisplayName:     str(data, "displayName"),
			DefaultIdentity: accutil.NormalizeURL(str(data, "defaultIdentity")),
		}
		identities, err := s.listIdentities(ctx, snap.Ref)
		if err != nil {
			return nil, fmt.Errorf("list identities for %s: %w", user.UID, err)
		}
		user.Identities = identities
		users = append(users, user)
	}
	return users, nil
}

func (s *FirestoreStore) listIdentities(ctx context.Context, userRef *firestore.DocumentRef) ([]Identity, error) {
	iter := userRef.Collection(identitiesCollection).Documents(ctx)
	defer iter.Stop()

	var identities []Identity
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		identities = append(identities, identityFromData(snap.Ref.ID, snap.Data()))
	}
	return identities, nil
}

func identityFromData(docID string, data map[string]any) Identity {
	ident := Identity{
		DocID: docID,
		URL:   accutil.NormalizeURL(str(data, "identityUrl")),
	}
	if ident.URL == "" {
		ident.URL = accutil.NormalizeURL(str(data, "url"))
	}
	if v, ok := data["creditBalance"]; ok {
		switch n := v.(type) {
		case float64:
			ident.CreditBalance = n
		case int64:
			ident.CreditBalance = float64(n)
		}
	}
	if ts, ok := data["updatedAt"].(time.Time); ok {
		ident.UpdatedAt = ts
	}
	for _, raw := range list(data, "accounts") {
		m := asMap(raw)
		if m == nil {
			continue
		}
		url := accutil.NormalizeURL(str(m, "url"))
		if url == "" {
			continue
		}
		ident.Accounts = append(ident.Accounts, AccountStub{URL: url, Type: str(m, "type")})
	}
	for _, raw := range list(data, "keyBooks") {
		m := asMap(raw)
		if m == nil {
			continue
		}
		book := KeyBook{URL: accutil.NormalizeURL(str(m, "url"))}
		if book.URL == "" {
			continue
		}
		for _, rawPage := range list(m, "keyPages") {
			if page := keyPageFromData(asMap(rawPage)); page != nil {
				book.Pages = append(book.Pages, *page)
			}
		}
		ident.KeyBooks = append(ident.KeyBooks, book)
	}
	return ident
}

func keyPageFromData(m map[string]any) *ledger.KeyPage {
	if m == nil {
		return nil
	}
	url := accutil.NormalizeURL(str(m, "url"))
	if url == "" {
		return nil
	}
	page := &ledger.KeyPage{URL: url, Threshold: 1}
	if v, ok := num(m, "version"); ok {
		page.Version = uint64(v)
	}
	if v, ok := num(m, "threshold"); ok {
		page.Threshold = uint64(v)
	}
	if v, ok := num(m, "creditBalance"); ok {
		page.CreditBalance = uint64(v)
	}
	for _, raw := range list(m, "entries") {
		em := asMap(raw)
		if em == nil {
			continue
		}
		if delegate := str(em, "delegate"); delegate != "" {
			page.Entries = append(page.Entries, ledger.KeyEntry{Delegate: accutil.NormalizeURL(delegate)})
			continue
		}
		if hash := str(em, "publicKeyHash"); hash != "" {
			page.Entries = append(page.Entries, ledger.KeyEntry{
				PublicKeyHash: accutil.NormalizeHash(hash),
				KeyType:       str(em, "keyType"),
			})
		}
	}
	return page
}

func (s *FirestoreStore) GetInboxIDs(ctx context.Context, uid string) ([]string, error) {
	iter := s.userRef(uid).Collection(pendingActionsCollection).DocumentRefs(ctx)
	var ids []string
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list inbox for %s: %w", uid, err)
		}
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

func (s *FirestoreStore) GetSummary(ctx context.Context, uid string) (map[string]any, error) {
	snap, err := s.userRef(uid).Collection(computedStateCollection).Doc(summaryDocID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get summary for %s: %w", uid, err)
	}
	return snap.Data(), nil
}

// ApplyInboxDiff commits deletions, upserts, the summary, and any identity
// refreshes in one Firestore transaction. Either all changes land or none.
func (s *FirestoreStore) ApplyInboxDiff(ctx context.Context, uid string, diff Diff) error {
	userRef := s.userRef(uid)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		actions := userRef.Collection(pendingActionsCollection)
		for _, id := range diff.Removes {
			if err := tx.Delete(actions.Doc(id)); err != nil {
				return err
			}
		}
		for id, doc := range diff.Upserts {
			if err := tx.Set(actions.Doc(id), doc, firestore.MergeAll); err != nil {
				return err
			}
		}
		if diff.Summary != nil {
			ref := userRef.Collection(computedStateCollection).Doc(summaryDocID)
			if err := tx.Set(ref, diff.Summary); err != nil {
				return err
			}
		}
		for id, fields := range diff.Identities {
			ref := userRef.Collection(identitiesCollection).Doc(id)
			if err := tx.Set(ref, fields, firestore.MergeAll); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply inbox diff for %s: %w", uid, err)
	}
	return nil
}

// IdentityRefreshFields renders the explorer's live key-book snapshots into
// Firestore-ready fields. Absent values are omitted rather than written as
// nulls.
func IdentityRefreshFields(books []KeyBook, now time.Time) map[string]any {
	rendered := make([]any, 0, len(books))
	for _, book := range books {
		pages := make([]any, 0, len(book.Pages))
		for _, page := range book.Pages {
			entries := make([]any, 0, len(page.Entries))
			for _, entry := range page.Entries {
				m := map[string]any{}
				if entry.Delegate != "" {
					m["delegate"] = entry.Delegate
				}
				if entry.PublicKeyHash != "" {
					m["publicKeyHash"] = entry.PublicKeyHash
				}
				if entry.KeyType != "" {
					m["keyType"] = entry.KeyType
				}
				entries = append(entries, m)
			}
			pm := map[string]any{
				"url":       page.URL,
				"threshold": page.Threshold,
				"entries":   entries,
			}
			if page.Version != 0 {
				pm["version"] = page.Version
			}
			if page.CreditBalance != 0 {
				pm["creditBalance"] = page.CreditBalance
			}
			pages = append(pages, pm)
		}
		rendered = append(rendered, map[string]any{
			"url":      book.URL,
			"keyPages": pages,
		})
	}
	return map[string]any{
		"keyBooks":  rendered,
		"updatedAt": now,
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func list(m map[string]any, key string) []any {
	l, _ := m[key].([]any)
	return l
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
