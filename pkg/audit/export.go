package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basisworks/keel/pkg/canonicalize"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/trust"
)

var (
	// ErrInvalidWindow is returned when an export window ends before it starts.
	ErrInvalidWindow = errors.New("audit: export window end precedes start")
	// ErrManifestUnsigned is returned by VerifyManifest for unsigned packs.
	ErrManifestUnsigned = errors.New("audit: manifest carries no signature")
	// ErrManifestSignature is returned when a manifest signature does not verify.
	ErrManifestSignature = errors.New("audit: manifest signature invalid")
)

// ExportWindow bounds an evidence pack by event time, inclusive. A zero
// Start reaches back to the beginning of the chain; a zero End means now.
type ExportWindow struct {
	Start time.Time
	End   time.Time
}

// PackManifest describes the contents of an evidence pack. When signed, the
// ed25519 signature covers the RFC 8785 canonical JSON of the manifest with
// its Signature field cleared, so verifiers rebuild exactly that form.
type PackManifest struct {
	TenantID      string `json:"tenantId"`
	GeneratedAt   string `json:"generatedAt"`
	RecordCount   int    `json:"recordCount"`
	FirstSequence int64  `json:"firstSequence,omitempty"`
	LastSequence  int64  `json:"lastSequence,omitempty"`
	// HeadHash is the record hash of the newest record in the pack.
	HeadHash      string     `json:"headHash,omitempty"`
	RecordsSHA256 string     `json:"recordsSha256"`
	Period        PackPeriod `json:"period"`
	PublicKey     string     `json:"publicKey,omitempty"`
	Signature     string     `json:"signature,omitempty"`
}

// PackPeriod is the exported window, RFC 3339.
type PackPeriod struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end"`
}

// ExportResult reports where a pack landed and what it binds.
type ExportResult struct {
	TenantID    string    `json:"tenantId"`
	PackName    string    `json:"packName"`
	Location    string    `json:"location"`
	RecordCount int       `json:"recordCount"`
	HeadHash    string    `json:"headHash,omitempty"`
	Checksum    string    `json:"checksum"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Exporter builds zip evidence packs (records.jsonl + manifest.json) and
// hands them to a Sink. Export reads only; it never archives or deletes.
type Exporter struct {
	svc    *Service
	signer trust.Signer
	sink   Sink

	now func() time.Time
}

// NewExporter wires an exporter. signer may be nil, in which case packs are
// unsigned; svc and sink are required.
func NewExporter(svc *Service, signer trust.Signer, sink Sink) (*Exporter, error) {
	if svc == nil {
		return nil, errors.New("audit: exporter needs a service")
	}
	if sink == nil {
		return nil, errors.New("audit: exporter needs a sink")
	}
	return &Exporter{svc: svc, signer: signer, sink: sink, now: time.Now}, nil
}

// ExportPack collects the tenant's records inside the window into a zip
// pack, writes it to the sink and appends an audit.exported record noting
// where it went.
func (e *Exporter) ExportPack(ctx context.Context, tenantID string, window ExportWindow) (*ExportResult, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	generatedAt := e.now().UTC().Truncate(time.Second)
	if window.End.IsZero() {
		window.End = generatedAt
	}
	if !window.Start.IsZero() && window.End.Before(window.Start) {
		return nil, ErrInvalidWindow
	}

	records, err := e.svc.store.InWindow(ctx, tenantID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("audit: collect export records: %w", err)
	}

	var lines bytes.Buffer
	enc := json.NewEncoder(&lines)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("audit: encode record %s: %w", records[i].ID, err)
		}
	}

	manifest := PackManifest{
		TenantID:      tenantID,
		GeneratedAt:   generatedAt.Format(time.RFC3339),
		RecordCount:   len(records),
		RecordsSHA256: canonicalize.HashBytes(lines.Bytes()),
		Period: PackPeriod{
			End: window.End.UTC().Format(time.RFC3339),
		},
	}
	if !window.Start.IsZero() {
		manifest.Period.Start = window.Start.UTC().Format(time.RFC3339)
	}
	if len(records) > 0 {
		manifest.FirstSequence = records[0].SequenceNumber
		manifest.LastSequence = records[len(records)-1].SequenceNumber
		manifest.HeadHash = records[len(records)-1].RecordHash
	}
	if e.signer != nil {
		manifest.PublicKey = hex.EncodeToString(e.signer.PublicKey())
		unsigned, err := canonicalize.JCS(&manifest)
		if err != nil {
			return nil, fmt.Errorf("audit: canonicalize manifest: %w", err)
		}
		manifest.Signature = hex.EncodeToString(e.signer.Sign(unsigned))
	}
	manifestJSON, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}

	pack, err := buildPack(lines.Bytes(), manifestJSON)
	if err != nil {
		return nil, err
	}

	packName := fmt.Sprintf("audit-%s-%s.zip", tenantID, generatedAt.Format("20060102T150405Z"))
	location, err := e.sink.Put(ctx, packName, pack)
	if err != nil {
		return nil, fmt.Errorf("audit: write pack: %w", err)
	}

	result := &ExportResult{
		TenantID:    tenantID,
		PackName:    packName,
		Location:    location,
		RecordCount: len(records),
		HeadHash:    manifest.HeadHash,
		Checksum:    canonicalize.HashBytes(pack),
		GeneratedAt: generatedAt,
	}

	// The export itself goes on the record. Failure to note it does not
	// unwrite the pack, so it is logged rather than returned.
	if _, err := e.svc.Record(ctx, RecordInput{
		TenantID:  tenantID,
		EventType: "audit.exported",
		Actor:     contracts.Actor{Type: contracts.ActorSystem, ID: "audit-exporter"},
		Target:    Target{Type: "export_pack", ID: packName},
		Action:    "audit.export",
		Outcome:   OutcomeSuccess,
		Metadata: map[string]any{
			"location":    location,
			"recordCount": len(records),
			"checksum":    result.Checksum,
		},
	}); err != nil {
		e.svc.logger.Warn("audit export not recorded on chain",
			"tenant", tenantID, "pack", packName, "error", err)
	}
	return result, nil
}

func buildPack(records, manifest []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	files := []struct {
		name string
		data []byte
	}{
		{"records.jsonl", records},
		{"manifest.json", manifest},
		{"README.txt", []byte(packReadme)},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("audit: add %s to pack: %w", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("audit: write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("audit: finalize pack: %w", err)
	}
	return buf.Bytes(), nil
}

const packReadme = `keel audit evidence pack

records.jsonl   one audit record per line, ascending sequence
manifest.json   record count, sequence range, head hash, sha-256 of
                records.jsonl, and an ed25519 signature when the exporting
                node holds a signing key

To verify: recompute sha256(records.jsonl) against recordsSha256, then check
the signature over the canonical (RFC 8785) manifest with its signature
field cleared, using the embedded public key.
`

// VerifyManifest checks a manifest's embedded ed25519 signature. It returns
// ErrManifestUnsigned for packs exported without a key.
func VerifyManifest(manifestJSON []byte) error {
	var m PackManifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return fmt.Errorf("audit: parse manifest: %w", err)
	}
	if m.Signature == "" || m.PublicKey == "" {
		return ErrManifestUnsigned
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("audit: decode manifest signature: %w", err)
	}
	pub, err := hex.DecodeString(m.PublicKey)
	if err != nil {
		return fmt.Errorf("audit: decode manifest public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("audit: manifest public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	m.Signature = ""
	unsigned, err := canonicalize.JCS(&m)
	if err != nil {
		return fmt.Errorf("audit: canonicalize manifest: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), unsigned, sig) {
		return ErrManifestSignature
	}
	return nil
}
