package engine

import (
	"context"
	"encoding/json"

	"github.com/clinicsync/clinicsync/internal/cryptox"
	"github.com/clinicsync/clinicsync/internal/keys"
	"github.com/clinicsync/clinicsync/internal/snapshot"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// envelope is the on-wire form of an uploaded backup blob: the encrypted
// payload plus everything needed to pick a decryption key and undo the
// compression transform.
type envelope struct {
	Version     int              `json:"version"`
	TenantID    string           `json:"tenant_id"`
	KeyID       string           `json:"key_id"`
	Compression string           `json:"compression"`
	Payload     *cryptox.Payload `json:"payload"`
}

// activeKey returns the tenant's active key, deriving one on first use.
func (e *Engine) activeKey(ctx context.Context) (*keys.Key, error) {
	key, err := e.keys.GetActiveKey(ctx, e.tenantID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	if _, err := e.keys.DeriveAndStoreKey(ctx, e.tenantID, false); err != nil {
		return nil, err
	}
	return e.keys.GetActiveKey(ctx, e.tenantID)
}

// sealSnapshot serializes, compresses and encrypts a snapshot under the
// tenant's active key, returning the blob bytes to upload.
func (e *Engine) sealSnapshot(ctx context.Context, snap *snapshot.Snapshot) ([]byte, error) {
	key, err := e.activeKey(ctx)
	if err != nil {
		return nil, err
	}

	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeEncryptionFailed, "engine.seal", err)
	}
	compressed, err := e.compressor.Compress(plain)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeEncryptionFailed, "engine.seal", err)
	}

	payload, err := cryptox.Encrypt(compressed, key.Material)
	if err != nil {
		return nil, err
	}

	env := envelope{
		Version:     snapshot.CurrentVersion,
		TenantID:    e.tenantID,
		KeyID:       key.KeyID,
		Compression: e.compressor.Name(),
		Payload:     payload,
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeEncryptionFailed, "engine.seal", err)
	}
	return blob, nil
}

// openSnapshot decrypts a downloaded blob, trying the key named in the
// envelope first and then every remaining candidate key in order, so blobs
// written under a since-rotated key stay readable. The snapshot's own
// checksum is validated before any table is imported.
func (e *Engine) openSnapshot(ctx context.Context, blob []byte) (*snapshot.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeCorruptedData, "engine.open", err)
	}
	if env.Payload == nil {
		return nil, syncerr.New(syncerr.KindIntegrity, syncerr.CodeCorruptedData, "engine.open")
	}

	candidates, err := e.keys.CandidateKeys(ctx, e.tenantID)
	if err != nil {
		return nil, err
	}
	orderCandidates(candidates, env.KeyID)

	var compressed []byte
	decrypted := false
	for _, key := range candidates {
		if err := cryptox.Decrypt(env.Payload, key.Material, &compressed); err == nil {
			decrypted = true
			break
		}
	}
	if !decrypted {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeDecryptionFailed, "engine.open", cryptox.ErrAuthenticationFailed)
	}

	plain, err := snapshot.ForName(env.Compression).Decompress(compressed)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeCorruptedData, "engine.open", err)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeCorruptedData, "engine.open", err)
	}
	if !snap.ValidateIntegrity() {
		return nil, syncerr.New(syncerr.KindIntegrity, syncerr.CodeCorruptedData, "engine.open")
	}
	return &snap, nil
}

// orderCandidates moves the key with the given id to the front.
func orderCandidates(candidates []*keys.Key, keyID string) {
	for i, key := range candidates {
		if key.KeyID == keyID && i > 0 {
			candidates[0], candidates[i] = candidates[i], candidates[0]
			return
		}
	}
}
