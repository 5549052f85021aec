// internal/chat/storage.go
// Media upload backends. Chat attachments are uploaded first and referenced
// by URL in the message append.

package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

type StorageService interface {
	UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error)
}

var allowedMediaTypes = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/gif": true, "image/webp": true,
	"video/mp4": true, "video/quicktime": true, "video/webm": true,
	"audio/mpeg": true, "audio/wav": true, "audio/ogg": true,
	"application/pdf": true,
}

type s3Storage struct {
	s3Client    *s3.S3
	bucketName  string
	cdnURL      string
	maxFileSize int64
}

// NewS3Storage creates an S3-backed media store
func NewS3Storage(awsSession *session.Session, bucketName, cdnURL string, maxFileSize int64) StorageService {
	return &s3Storage{
		s3Client:    s3.New(awsSession),
		bucketName:  bucketName,
		cdnURL:      cdnURL,
		maxFileSize: maxFileSize,
	}
}

func (s *s3Storage) UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error) {
	if !allowedMediaTypes[contentType] {
		return "", fmt.Errorf("file type %s not allowed", contentType)
	}

	key := fmt.Sprintf("chat/%s/%s%s",
		time.Now().Format("2006/01/02"),
		uuid.New().String(),
		filepath.Ext(filename),
	)

	// Buffer to enforce the size limit before hitting S3
	buf := new(bytes.Buffer)
	size, err := io.Copy(buf, io.LimitReader(file, s.maxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if size > s.maxFileSize {
		return "", fmt.Errorf("file exceeds maximum allowed size %d", s.maxFileSize)
	}

	_, err = s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(time.Now().Format(time.RFC3339)),
			"file-name":   aws.String(filename),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	return fmt.Sprintf("%s/%s", s.cdnURL, key), nil
}

type localStorage struct {
	dir     string
	baseURL string
}

// NewLocalStorage stores uploads on disk; used in development
func NewLocalStorage(dir, baseURL string) StorageService {
	return &localStorage{dir: dir, baseURL: baseURL}
}

func (s *localStorage) UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error) {
	if !allowedMediaTypes[contentType] {
		return "", fmt.Errorf("file type %s not allowed", contentType)
	}

	name := uuid.New().String() + filepath.Ext(filename)
	path := filepath.Join(s.dir, name)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		os.Remove(path)
		return "", err
	}

	return fmt.Sprintf("%s/uploads/%s", s.baseURL, name), nil
}
