package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/goccy/go-json"
)

// S3Config locates the bucket. Credentials come from the default AWS chain
// unless AccessKey and SecretKey are both set.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint (MinIO, R2, ...). Empty for AWS.
	Prefix    string // Key prefix, e.g. "snapshots/".
	PathStyle bool
	AccessKey string
	SecretKey string
}

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores each snapshot as two objects:
//
//	<prefix><id>/index.html.zst   zstd-compressed document
//	<prefix><id>/meta.json        metadata and asset set, written last
//
// A snapshot exists once its meta.json exists.
type S3 struct {
	client S3API
	bucket string
	prefix string
	options
}

// s3Meta is the JSON layout of meta.json.
type s3Meta struct {
	ID          string   `json:"id"`
	OriginalURL string   `json:"original_url"`
	FinalURL    string   `json:"final_url"`
	Title       string   `json:"title"`
	Partial     bool     `json:"partial"`
	HTMLSize    int      `json:"html_size"`
	CreatedAt   int64    `json:"created_at"` // Unix ms
	Assets      []string `json:"assets"`
}

// NewS3 builds an S3 client from the default AWS configuration chain.
func NewS3(ctx context.Context, cfg S3Config, opts ...Option) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store: s3: bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, persistErr("s3 config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewS3WithClient(client, cfg, opts...), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client S3API, cfg S3Config, opts ...Option) *S3 {
	return &S3{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		options: buildOptions(opts),
	}
}

func (s *S3) htmlKey(id string) string { return s.prefix + id + "/index.html.zst" }
func (s *S3) metaKey(id string) string { return s.prefix + id + "/meta.json" }

func (s *S3) Create(ctx context.Context, snap *Snapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = NewID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	blob, err := compress(snap.HTML)
	if err != nil {
		return "", persistErr("create", err)
	}
	meta, err := json.Marshal(s3Meta{
		ID:          snap.ID,
		OriginalURL: snap.OriginalURL,
		FinalURL:    snap.FinalURL,
		Title:       snap.Title,
		Partial:     snap.Partial,
		HTMLSize:    len(snap.HTML),
		CreatedAt:   snap.CreatedAt.UnixMilli(),
		Assets:      snap.Assets,
	})
	if err != nil {
		return "", persistErr("create", err)
	}

	if err := s.put(ctx, s.htmlKey(snap.ID), blob, "application/zstd"); err != nil {
		return "", persistErr("create", err)
	}
	if err := s.put(ctx, s.metaKey(snap.ID), meta, "application/json"); err != nil {
		s.remove(ctx, snap.ID)
		return "", persistErr("create", err)
	}
	return snap.ID, nil
}

func (s *S3) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	return err
}

func (s *S3) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) meta(ctx context.Context, id string) (*s3Meta, error) {
	if id == "" || strings.Contains(id, "/") {
		return nil, ErrNotFound
	}
	b, err := s.get(ctx, s.metaKey(id))
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get meta", err)
	}
	var m s3Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, persistErr("get meta", err)
	}
	if s.policy.expired(time.UnixMilli(m.CreatedAt), s.now()) {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *S3) GetHTML(ctx context.Context, id string) (string, error) {
	if _, err := s.meta(ctx, id); err != nil {
		return "", err
	}
	blob, err := s.get(ctx, s.htmlKey(id))
	if isNotFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", persistErr("get html", err)
	}
	html, err := decompress(blob)
	if err != nil {
		return "", persistErr("get html", err)
	}
	return html, nil
}

func (s *S3) Get(ctx context.Context, id string) (*Snapshot, error) {
	snap, err := s.Meta(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.HTML, err = s.GetHTML(ctx, id); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *S3) Meta(ctx context.Context, id string) (*Snapshot, error) {
	m, err := s.meta(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:          m.ID,
		OriginalURL: m.OriginalURL,
		FinalURL:    m.FinalURL,
		Title:       m.Title,
		Partial:     m.Partial,
		CreatedAt:   time.UnixMilli(m.CreatedAt),
		Assets:      m.Assets,
	}, nil
}

// metaObject is a listed meta.json key.
type metaObject struct {
	id       string
	modified time.Time
}

// listMeta lists every meta.json under the prefix, newest first.
func (s *S3) listMeta(ctx context.Context) ([]metaObject, error) {
	var out []metaObject
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			id, ok := strings.CutSuffix(strings.TrimPrefix(key, s.prefix), "/meta.json")
			if !ok || id == "" || strings.Contains(id, "/") {
				continue
			}
			out = append(out, metaObject{id: id, modified: aws.ToTime(obj.LastModified)})
		}
	}
	slices.SortFunc(out, func(a, b metaObject) int {
		if c := b.modified.Compare(a.modified); c != 0 {
			return c
		}
		return strings.Compare(b.id, a.id)
	})
	return out, nil
}

func (s *S3) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	objs, err := s.listMeta(ctx)
	if err != nil {
		return nil, persistErr("list", err)
	}
	out := []Summary{}
	for _, o := range objs {
		if len(out) >= limit {
			break
		}
		m, err := s.meta(ctx, o.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			ID:          m.ID,
			OriginalURL: m.OriginalURL,
			FinalURL:    m.FinalURL,
			Title:       m.Title,
			Partial:     m.Partial,
			HTMLSize:    m.HTMLSize,
			CreatedAt:   time.UnixMilli(m.CreatedAt),
		})
	}
	return out, nil
}

func (s *S3) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" || strings.Contains(id, "/") {
		return false, nil
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(id)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, persistErr("delete", err)
	}
	if err := s.remove(ctx, id); err != nil {
		return false, persistErr("delete", err)
	}
	return true, nil
}

// remove deletes the meta object first so a half-deleted snapshot is
// already invisible.
func (s *S3) remove(ctx context.Context, id string) error {
	for _, key := range []string{s.metaKey(id), s.htmlKey(id)} {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// Sweep uses the meta object's LastModified as creation time, which avoids
// reading every meta.json. Both are set by the same Create call.
func (s *S3) Sweep(ctx context.Context, now time.Time) (int, error) {
	objs, err := s.listMeta(ctx)
	if err != nil {
		return 0, persistErr("sweep", err)
	}
	removed := 0
	kept := 0
	for _, o := range objs {
		evict := s.policy.expired(o.modified, now) ||
			(s.policy.MaxSnapshots > 0 && kept >= s.policy.MaxSnapshots)
		if !evict {
			kept++
			continue
		}
		if err := s.remove(ctx, o.id); err != nil {
			return removed, persistErr("sweep", err)
		}
		removed++
	}
	return removed, nil
}

func (s *S3) Close() error { return nil }

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
