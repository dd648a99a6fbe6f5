package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"zapinbox/config"
)

// Object is one media file to store.
type Object struct {
	ClinicID   string
	ContactID  string
	MessageID  string
	MimeType   string
	Data       []byte
	IsIncoming bool
}

// Uploader stores media and returns its public URL.
type Uploader interface {
	Store(ctx context.Context, obj Object) (string, error)
}

// S3Storage uploads media to one bucket.
type S3Storage struct {
	client *s3.Client
	cfg    config.S3Config
	now    func() time.Time
}

func NewS3Storage(cfg config.S3Config) (*S3Storage, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("S3 bucket is not configured")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	// Endpoints sometimes get configured with the bucket baked in.
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("endpoint", cfg.Endpoint).Str("cleanedEndpoint", cleaned).Msg("Removed bucket name from S3 endpoint")
		cfg.Endpoint = cleaned
	}
	// Dotted bucket names break virtual-hosted TLS certificates.
	if strings.Contains(cfg.Bucket, ".") {
		cfg.PathStyle = true
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", cfg.PathStyle).
		Msg("S3 client initialized")

	return &S3Storage{client: client, cfg: cfg, now: time.Now}, nil
}

// Key builds the object key: clinics/<clinic>/<inbox|outbox>/<contact>/<yyyy>/<mm>/<dd>/<kind>/<message><ext>.
func Key(obj Object, at time.Time) string {
	direction := "outbox"
	if obj.IsIncoming {
		direction = "inbox"
	}
	contact := strings.NewReplacer("@", "_", ":", "_", "/", "_").Replace(obj.ContactID)

	return fmt.Sprintf("clinics/%s/%s/%s/%s/%s/%s%s",
		obj.ClinicID,
		direction,
		contact,
		at.Format("2006/01/02"),
		folderFor(obj.MimeType),
		obj.MessageID,
		ExtensionFor(obj.MimeType),
	)
}

func folderFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "documents"
	}
}

// ExtensionFor maps a mime type to a file extension, ".bin" when unknown.
func ExtensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "openxmlformats-officedocument.wordprocessingml"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	default:
		return ".bin"
	}
}

// Store uploads obj and returns its public URL.
func (m *S3Storage) Store(ctx context.Context, obj Object) (string, error) {
	key := Key(obj, m.now())

	contentType := obj.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(m.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(obj.Data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).Str("key", key).Str("bucket", m.cfg.Bucket).Int("size", len(obj.Data)).Msg("Failed to upload media to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	url := PublicURL(m.cfg, key)
	log.Info().Str("key", key).Int("size", len(obj.Data)).Str("url", url).Msg("Media uploaded to S3")
	return url, nil
}

// PublicURL resolves the URL clients use to fetch key.
func PublicURL(cfg config.S3Config, key string) string {
	if cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.PublicURL, "/"), cfg.Bucket, key)
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if cfg.PathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", cfg.Region, cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
	}

	if cfg.PathStyle {
		return fmt.Sprintf("%s/%s/%s", endpoint, cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, host, key)
}
