package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LatestManifestKey is the object, under the prefix, that points at the
// newest release.
const LatestManifestKey = "latest.json"

// s3Manifest is the JSON stored at LatestManifestKey.
type s3Manifest struct {
	TagName      string `json:"tag_name"`
	ArchiveKey   string `json:"archive_key"`
	SignatureKey string `json:"signature_key"`
	Notes        string `json:"notes,omitempty"`
	PublishedAt  string `json:"published_at,omitempty"`
}

// s3API is the part of the S3 client the source uses.
type s3API interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Source reads releases from an S3 compatible bucket. Artifacts are
// addressed as s3://bucket/key.
type S3Source struct {
	bucket string
	prefix string
	client s3API
}

// NewS3Source builds an S3 client from cfg. Static credentials are used
// when configured, otherwise the default AWS credential chain.
func NewS3Source(ctx context.Context, cfg config.S3Config, httpClient *http.Client) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 source: bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 source: load config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return newS3SourceWithClient(s3.NewFromConfig(awsCfg, clientOpts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3SourceWithClient(client s3API, bucket, prefix string) *S3Source {
	return &S3Source{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
	}
}

// Name implements Source.
func (s *S3Source) Name() string {
	return "s3:" + s.bucket
}

func (s *S3Source) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Source) ref(key string) string {
	return (&url.URL{Scheme: "s3", Host: s.bucket, Path: "/" + key}).String()
}

func (s *S3Source) parseRef(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" || u.Host == "" || len(u.Path) < 2 {
		return "", "", fmt.Errorf("invalid s3 reference %q", ref)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Latest implements Source.
func (s *S3Source) Latest(ctx context.Context) (*Manifest, error) {
	key := s.key(LatestManifestKey)
	buf := manager.NewWriteAtBuffer(nil)

	if _, err := s.download(ctx, s.bucket, key, &limitWriterAt{w: buf, limit: 1 << 20}); err != nil {
		return nil, err
	}

	var m s3Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, &NetworkError{Op: "decode manifest", URL: s.ref(key), Err: err}
	}
	if strings.TrimSpace(m.TagName) == "" {
		return nil, &VersionFormatError{Tag: m.TagName, Reason: "manifest has no tag"}
	}

	archiveKey := m.ArchiveKey
	if archiveKey == "" {
		archiveKey = s.key("{tag}/update.zip")
	}
	sigKey := m.SignatureKey
	if sigKey == "" {
		sigKey = s.key("{tag}/update.sig")
	}

	return &Manifest{
		LatestVersionTag: m.TagName,
		Version:          NormalizeVersion(m.TagName),
		DownloadURL:      s.ref(expandTemplate(archiveKey, m.TagName)),
		SignatureURL:     s.ref(expandTemplate(sigKey, m.TagName)),
		ReleaseNotes:     m.Notes,
		PublishedAt:      m.PublishedAt,
	}, nil
}

// Fetch implements Source.
func (s *S3Source) Fetch(ctx context.Context, ref string, dst io.WriterAt, limit int64) (int64, error) {
	bucket, key, err := s.parseRef(ref)
	if err != nil {
		return 0, err
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, &NetworkError{Op: "head object", URL: ref, Err: err}
	}
	if size := aws.ToInt64(head.ContentLength); size > limit {
		return 0, fmt.Errorf("%w: %d bytes", ErrDownloadTooLarge, size)
	}

	return s.download(ctx, bucket, key, &limitWriterAt{w: dst, limit: limit})
}

func (s *S3Source) download(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.Concurrency = 2
	})

	n, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if errors.Is(err, ErrDownloadTooLarge) {
			return n, err
		}
		return n, &NetworkError{Op: "download", URL: s.ref(key), Err: err}
	}
	return n, nil
}

// Publish uploads a signed release and then points the latest manifest at
// it, so clients never see a manifest for an incomplete upload.
func (s *S3Source) Publish(ctx context.Context, tag, archivePath string, signature []byte, notes string) (*Manifest, error) {
	if _, err := ParseVersion(tag); err != nil {
		return nil, err
	}

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
		u.Concurrency = 2
	})

	archiveKey := s.key(tag + "/update.zip")
	sigKey := s.key(tag + "/update.sig")

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	uploads := []struct {
		key         string
		body        io.Reader
		contentType string
	}{
		{archiveKey, f, "application/zip"},
		{sigKey, strings.NewReader(string(signature)), "application/octet-stream"},
	}
	for _, up := range uploads {
		if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(up.key),
			Body:        up.body,
			ContentType: aws.String(up.contentType),
		}); err != nil {
			return nil, &NetworkError{Op: "upload", URL: s.ref(up.key), Err: err}
		}
	}

	manifest := s3Manifest{
		TagName:      tag,
		ArchiveKey:   archiveKey,
		SignatureKey: sigKey,
		Notes:        notes,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	latestKey := s.key(LatestManifestKey)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(latestKey),
		Body:        strings.NewReader(string(data)),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return nil, &NetworkError{Op: "upload", URL: s.ref(latestKey), Err: err}
	}

	return &Manifest{
		LatestVersionTag: tag,
		Version:          NormalizeVersion(tag),
		DownloadURL:      s.ref(archiveKey),
		SignatureURL:     s.ref(sigKey),
		ReleaseNotes:     notes,
		PublishedAt:      manifest.PublishedAt,
	}, nil
}
