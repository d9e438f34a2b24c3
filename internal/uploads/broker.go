// Package uploads brokers direct-to-object-store file transfers. Clients
// never receive bucket credentials: the broker issues short-lived presigned
// PUT URLs, and confirmed uploads become messages with presigned read URLs.
package uploads

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

// allowedMimeTypes is the upload whitelist.
var allowedMimeTypes = map[string]struct{}{
	"image/png": {}, "image/jpeg": {}, "image/webp": {},
	"application/pdf": {}, "text/plain": {},
	"application/zip": {}, "application/octet-stream": {},
	"audio/webm": {}, "audio/ogg": {}, "audio/mpeg": {},
	"audio/mp4": {}, "audio/wav": {},
}

// Presigner is the slice of s3.PresignClient the broker uses.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ObjectRemover deletes abandoned objects during the GC sweep.
type ObjectRemover interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Broker issues upload grants and finalizes confirmed uploads.
type Broker struct {
	cfg     config.StorageConfig
	presign Presigner
	remover ObjectRemover
	grants  store.UploadGrantStore
	logger  *slog.Logger
}

// NewBroker builds the upload broker.
func NewBroker(cfg config.StorageConfig, presign Presigner, remover ObjectRemover, grants store.UploadGrantStore, logger *slog.Logger) *Broker {
	return &Broker{cfg: cfg, presign: presign, remover: remover, grants: grants, logger: logger}
}

// Grant is the client-facing result of a grant request.
type Grant struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	PutURL   string `json:"putUrl"`
	MaxBytes int64  `json:"maxBytes"`
}

// NewObjectKey derives a collision-free date-partitioned object key,
// keeping only the extension of the client filename.
func NewObjectKey(filename string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filename))
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("messages/%s/%s%s", now.Format("2006/01/02"), hex.EncodeToString(buf), ext)
}

// ValidateUpload enforces the mime whitelist and size ceiling. A declared
// mime outside the whitelist falls back to the extension guess. Exactly the
// limit is allowed; one byte over is not.
func (b *Broker) ValidateUpload(filename, mimeType string, sizeBytes int64) error {
	maxBytes := b.cfg.MaxUploadMB * 1024 * 1024
	if sizeBytes <= 0 {
		return errdefs.New(errdefs.Invalid, "file size is required")
	}
	if sizeBytes > maxBytes {
		return errdefs.Newf(errdefs.Invalid, "file exceeds the %dMB limit", b.cfg.MaxUploadMB)
	}
	if _, ok := allowedMimeTypes[mimeType]; ok {
		return nil
	}
	guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if i := strings.Index(guessed, ";"); i >= 0 {
		guessed = guessed[:i]
	}
	if _, ok := allowedMimeTypes[guessed]; ok {
		return nil
	}
	return errdefs.New(errdefs.Invalid, "file type not allowed")
}

// IssueGrant validates the declaration and returns a single-use presigned
// PUT. The grant is recorded before the URL leaves the server.
func (b *Broker) IssueGrant(ctx context.Context, userID, filename, mimeType string, sizeBytes int64) (Grant, error) {
	if err := b.ValidateUpload(filename, mimeType, sizeBytes); err != nil {
		return Grant{}, err
	}

	key := NewObjectKey(filename, time.Now().UTC())
	ttl := time.Duration(b.cfg.GrantTTLMin) * time.Minute

	req, err := b.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(mimeType),
	}, func(o *s3.PresignOptions) { o.Expires = ttl })
	if err != nil {
		return Grant{}, errdefs.Wrap(errdefs.Unavailable, "storage unavailable", err)
	}

	if err := b.grants.Put(ctx, store.UploadGrant{
		Key:      key,
		Bucket:   b.cfg.Bucket,
		UserID:   userID,
		Filename: filename,
		MimeType: mimeType,
		MaxBytes: sizeBytes,
		IssuedAt: time.Now().UTC(),
	}); err != nil {
		return Grant{}, err
	}

	b.logger.Debug("uploads.grant_issued", "key", key, "user", userID, "mime", mimeType)
	return Grant{
		Bucket:   b.cfg.Bucket,
		Key:      key,
		PutURL:   req.URL,
		MaxBytes: sizeBytes,
	}, nil
}

// Confirm consumes a grant exactly once and returns the attachment it
// validates. A second confirm of the same key is a conflict; a grant older
// than the TTL is gone even before the sweep collects it.
func (b *Broker) Confirm(ctx context.Context, userID, key string) (store.Attachment, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(b.cfg.GrantTTLMin) * time.Minute)
	grant, err := b.grants.Consume(ctx, key, cutoff)
	if err != nil {
		return store.Attachment{}, err
	}
	if grant.UserID != userID {
		return store.Attachment{}, errdefs.New(errdefs.Forbidden, "upload belongs to another user")
	}
	return store.Attachment{
		Bucket:   grant.Bucket,
		Key:      grant.Key,
		Filename: grant.Filename,
		MimeType: grant.MimeType,
	}, nil
}

// ReadURL presigns a short-lived GET for a stored attachment. Attachments
// without a bucket are channel media references and already carry their URL.
func (b *Broker) ReadURL(ctx context.Context, att *store.Attachment) (string, error) {
	if att == nil {
		return "", nil
	}
	if att.Bucket == "" {
		return att.Key, nil
	}
	ttl := time.Duration(b.cfg.ReadURLTTLMin) * time.Minute
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(att.Bucket),
		Key:    aws.String(att.Key),
	}, func(o *s3.PresignOptions) { o.Expires = ttl })
	if err != nil {
		return "", errdefs.Wrap(errdefs.Unavailable, "storage unavailable", err)
	}
	return req.URL, nil
}

// KindForMime classifies an attachment into a message kind.
func KindForMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.KindImage
	case strings.HasPrefix(mimeType, "audio/"):
		return store.KindAudio
	default:
		return store.KindFile
	}
}

// Sweep deletes objects of grants that expired unconfirmed. Wired to the
// cron scheduler at startup.
func (b *Broker) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(b.cfg.GrantTTLMin) * time.Minute)
	keys, err := b.grants.Expire(ctx, cutoff)
	if err != nil {
		b.logger.Warn("uploads.sweep_failed", "error", err)
		return
	}
	for _, key := range keys {
		if b.remover == nil {
			continue
		}
		_, err := b.remover.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			b.logger.Warn("uploads.sweep_delete_failed", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		b.logger.Info("uploads.sweep_done", "expired", len(keys))
	}
}
