package ledger

import (
	"strconv"
	"strings"
	"time"

	"github.com/accuwallet/inboxd/internal/accutil"
)

// Probing helpers. The v3 envelope moves fields around between methods and
// network versions, so everything below works on untyped maps and returns
// zero values for shapes it does not recognize.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func mapAt(m map[string]any, keys ...string) map[string]any {
	cur := m
	for _, k := range keys {
		if cur == nil {
			return nil
		}
		cur = asMap(cur[k])
	}
	return cur
}

func strAt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func numAt(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// sliceAt reads a list that may be a bare array or wrapped as {records: [...]}.
func sliceAt(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []any:
		return v
	case map[string]any:
		records, _ := v["records"].([]any)
		return records
	}
	return nil
}

// ParseStatus interprets the status field of a v3 query response. The field
// may be a bare string, a map with a numeric or string code, or a map with
// boolean pending/delivered flags. Anything unrecognized is unknown.
func ParseStatus(v any) Status {
	switch s := v.(type) {
	case string:
		return statusFromName(s)
	case map[string]any:
		switch code := s["code"].(type) {
		case float64:
			return statusFromCode(int(code))
		case string:
			if st := statusFromName(code); st != StatusUnknown {
				return st
			}
			if n, err := strconv.Atoi(code); err == nil {
				return statusFromCode(n)
			}
		}
		if pending, _ := s["pending"].(bool); pending {
			return StatusPending
		}
		if delivered, _ := s["delivered"].(bool); delivered {
			return StatusDelivered
		}
	}
	return StatusUnknown
}

func statusFromName(name string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(name))) {
	case StatusPending:
		return StatusPending
	case StatusDelivered:
		return StatusDelivered
	case StatusRemote:
		return StatusRemote
	case StatusFailed:
		return StatusFailed
	case StatusExpired:
		return StatusExpired
	}
	return StatusUnknown
}

func statusFromCode(code int) Status {
	switch code {
	case 202:
		return StatusPending
	case 201:
		return StatusDelivered
	}
	return StatusUnknown
}

// ExtractSignatures collects signature records from a transaction response.
// A single response may populate any mix of the three known layouts (nested
// signature sets, paginated signature books, flat legacy sets); the results
// are merged and deduplicated by (signer, key hash, timestamp).
func ExtractSignatures(res map[string]any) []SignatureRecord {
	var out []SignatureRecord

	// Nested v3: signatures.records[*].signatures.records[*].message.signature.
	for _, outer := range sliceAt(res, "signatures") {
		om := asMap(outer)
		if om == nil {
			continue
		}
		for _, inner := range sliceAt(om, "signatures") {
			if rec, ok := signatureFromMessage(mapAt(asMap(inner), "message")); ok {
				out = append(out, rec)
			}
		}
	}

	// Paginated: signatureBooks[*].pages[*].signatures.
	if books, ok := res["signatureBooks"].([]any); ok {
		for _, book := range books {
			bm := asMap(book)
			if bm == nil {
				continue
			}
			pages, _ := bm["pages"].([]any)
			for _, page := range pages {
				pm := asMap(page)
				for _, sig := range sliceAt(pm, "signatures") {
					if rec, ok := signatureFromMessage(mapAt(asMap(sig), "message")); ok {
						out = append(out, rec)
					}
				}
			}
		}
	}

	// Flat legacy: signatures is an array of signer sets.
	if sets, ok := res["signatures"].([]any); ok {
		for _, set := range sets {
			out = append(out, legacySignatures(asMap(set))...)
		}
	}

	return dedupeSignatures(out)
}

// signatureFromMessage reads a {type: "signature", signature: {...}} message.
// Delegated signatures nest the signing party: the signer URL is taken from
// the first level that carries one, the remaining fields from the innermost
// signature object.
func signatureFromMessage(msg map[string]any) (SignatureRecord, bool) {
	if msg == nil || strAt(msg, "type") != "signature" {
		return SignatureRecord{}, false
	}
	sig := mapAt(msg, "signature")
	if sig == nil {
		return SignatureRecord{}, false
	}
	signer := ""
	cur := sig
	for {
		if signer == "" {
			signer = signerURL(cur["signer"])
		}
		inner := mapAt(cur, "signature")
		if inner == nil {
			break
		}
		cur = inner
	}
	rec := SignatureRecord{
		Signer:        accutil.NormalizeURL(signer),
		PublicKeyHash: accutil.NormalizeHash(strAt(cur, "publicKeyHash")),
		Vote:          strings.ToLower(strAt(cur, "vote")),
	}
	if ts, ok := numAt(cur, "timestamp"); ok {
		rec.Timestamp = timestampFromLedger(ts)
	}
	if rec.Signer == "" && rec.PublicKeyHash == "" {
		return SignatureRecord{}, false
	}
	return rec, true
}

func legacySignatures(set map[string]any) []SignatureRecord {
	if set == nil {
		return nil
	}
	defaultSigner := signerURL(set["signer"])
	inner, _ := set["signatures"].([]any)
	if len(inner) == 0 {
		// Single-signature sets carry the fields directly.
		if rec, ok := legacySignature(set, defaultSigner); ok {
			return []SignatureRecord{rec}
		}
		return nil
	}
	var out []SignatureRecord
	for _, v := range inner {
		if rec, ok := legacySignature(asMap(v), defaultSigner); ok {
			out = append(out, rec)
		}
	}
	return out
}

func legacySignature(m map[string]any, defaultSigner string) (SignatureRecord, bool) {
	if m == nil {
		return SignatureRecord{}, false
	}
	signer := signerURL(m["signer"])
	if signer == "" {
		signer = defaultSigner
	}
	rec := SignatureRecord{
		Signer:        accutil.NormalizeURL(signer),
		PublicKeyHash: accutil.NormalizeHash(strAt(m, "publicKeyHash")),
		Vote:          strings.ToLower(strAt(m, "vote")),
	}
	if ts, ok := numAt(m, "timestamp"); ok {
		rec.Timestamp = timestampFromLedger(ts)
	}
	if rec.Signer == "" && rec.PublicKeyHash == "" {
		return SignatureRecord{}, false
	}
	return rec, true
}

func signerURL(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case map[string]any:
		return strAt(s, "url")
	}
	return ""
}

// timestampFromLedger disambiguates the units the ledger has shipped over
// time: v3 delivers microseconds (> 1e15), legacy seconds (< 1e12),
// everything between is milliseconds.
func timestampFromLedger(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	n := int64(v)
	switch {
	case v > 1e15:
		return time.UnixMicro(n).UTC()
	case v < 1e12:
		return time.Unix(n, 0).UTC()
	default:
		return time.UnixMilli(n).UTC()
	}
}

func dedupeSignatures(in []SignatureRecord) []SignatureRecord {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, rec := range in {
		key := rec.Signer + "|" + rec.PublicKeyHash + "|" + strconv.FormatInt(rec.Timestamp.UnixMilli(), 10)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// parseKeyPage builds a typed key page from an account query response.
// Returns nil when the account is not a key page.
func parseKeyPage(res map[string]any, url string) *KeyPage {
	account := accountBody(res)
	if account == nil || !strings.EqualFold(strAt(account, "type"), "keyPage") {
		return nil
	}
	page := &KeyPage{URL: accutil.NormalizeURL(url), Threshold: 1}
	if v, ok := numAt(account, "version"); ok {
		page.Version = uint64(v)
	}
	if v, ok := numAt(account, "acceptThreshold"); ok {
		page.Threshold = uint64(v)
	} else if v, ok := numAt(account, "threshold"); ok {
		page.Threshold = uint64(v)
	}
	if v, ok := numAt(account, "creditBalance"); ok {
		page.CreditBalance = uint64(v)
	}
	keys, _ := account["keys"].([]any)
	for _, raw := range keys {
		km := asMap(raw)
		if km == nil {
			continue
		}
		if delegate := strAt(km, "delegate"); delegate != "" {
			page.Entries = append(page.Entries, KeyEntry{Delegate: accutil.NormalizeURL(delegate)})
			continue
		}
		if hash := strAt(km, "publicKeyHash"); hash != "" {
			page.Entries = append(page.Entries, KeyEntry{
				PublicKeyHash: accutil.NormalizeHash(hash),
				KeyType:       strAt(km, "keyType"),
			})
		}
	}
	return page
}

// parseKeyBookPageCount reads the page count from a key-book account query.
// Non-key-book accounts (or a missing field) yield 0.
func parseKeyBookPageCount(res map[string]any) int {
	account := accountBody(res)
	if account == nil || !strings.EqualFold(strAt(account, "type"), "keyBook") {
		return 0
	}
	if v, ok := numAt(account, "pageCount"); ok {
		return int(v)
	}
	return 0
}

// accountBody finds the account object wherever this envelope put it.
func accountBody(res map[string]any) map[string]any {
	if res == nil {
		return nil
	}
	if account := mapAt(res, "account"); account != nil {
		return account
	}
	if data := mapAt(res, "data"); data != nil {
		return data
	}
	if strAt(res, "type") != "" {
		return res
	}
	return nil
}

// parseTransaction reads a transaction query response into a PendingTx.
// Returns nil when no transaction object can be located.
func parseTransaction(res map[string]any, txid string) *PendingTx {
	txm := mapAt(res, "transaction")
	if txm == nil {
		txm = mapAt(res, "message", "transaction")
	}
	if txm == nil {
		return nil
	}
	id := strAt(res, "txID")
	if id == "" {
		id = strAt(res, "txid")
	}
	if id == "" {
		id = txid
	}
	header := mapAt(txm, "header")
	body := mapAt(txm, "body")
	tx := &PendingTx{
		TxID:       id,
		Hash:       accutil.NormalizeHash(id),
		Principal:  accutil.NormalizeURL(strAt(header, "principal")),
		Type:       strAt(body, "type"),
		Status:     ParseStatus(res["status"]),
		Signatures: ExtractSignatures(res),
		Body:       body,
	}
	tx.ExpiresAt = parseExpiry(header)
	return tx
}

func parseExpiry(header map[string]any) *time.Time {
	if header == nil {
		return nil
	}
	raw := strAt(mapAt(header, "expire"), "atTime")
	if raw == "" {
		raw = strAt(header, "expireAtTime")
	}
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

// extractTxID pulls a transaction id out of one pending-range record,
// probing the shapes the ledger has been seen to emit.
func extractTxID(rec any) string {
	switch v := rec.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		switch value := v["value"].(type) {
		case string:
			return strings.TrimSpace(value)
		case map[string]any:
			for _, key := range []string{"txID", "txId", "id"} {
				if s := strAt(value, key); s != "" {
					return s
				}
			}
			if s := strAt(mapAt(value, "message"), "txID"); s != "" {
				return s
			}
		}
		if s := strAt(v, "txid"); s != "" {
			return s
		}
		if s := strAt(v, "hash"); s != "" {
			return s
		}
	}
	return ""
}

// directoryEntryURL pulls an account URL out of one directory record.
func directoryEntryURL(rec any) string {
	switch v := rec.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["value"].(string); ok {
			return s
		}
		if s := strAt(v, "url"); s != "" {
			return s
		}
		if s := strAt(mapAt(v, "account"), "url"); s != "" {
			return s
		}
	}
	return ""
}
