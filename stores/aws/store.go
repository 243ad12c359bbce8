package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"drawsync/core"
	"drawsync/stores/record"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "drawings/"

// ObjectAPI is the part of *s3.Client the store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Store keeps one object per drawing. Every write is a whole-object PUT,
// so readers see either the old or the new drawing. Update serializes its
// read-modify-write within this process only; a second instance writing
// the same bucket can overwrite a concurrent update.
type s3Store struct {
	client ObjectAPI
	bucket string
	mu     sync.Mutex
}

// NewStore creates a new S3-based store from the default AWS config chain.
func NewStore(ctx context.Context, bucketName string) (*s3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewStoreWithClient(s3.NewFromConfig(cfg), bucketName), nil
}

func NewStoreWithClient(client ObjectAPI, bucketName string) *s3Store {
	return &s3Store{client: client, bucket: bucketName}
}

func key(id string) (string, bool) {
	if !record.ValidID(id) {
		return "", false
	}
	return keyPrefix + id + ".json", true
}

func (s *s3Store) List(ctx context.Context, ownerID string) ([]*core.Drawing, error) {
	drawings := make([]*core.Drawing, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list drawings: %w", err)
		}
		for _, object := range page.Contents {
			objectKey := aws.ToString(object.Key)
			if !strings.HasSuffix(objectKey, ".json") {
				continue
			}
			d, err := s.fetch(ctx, objectKey)
			if err != nil {
				logrus.WithField("key", objectKey).WithError(err).Warn("Failed to read drawing object, skipping")
				continue
			}
			if d.OwnerID == ownerID {
				drawings = append(drawings, d.Metadata())
			}
		}
	}
	sort.Slice(drawings, func(i, j int) bool {
		return drawings[i].UpdatedAt.After(drawings[j].UpdatedAt)
	})
	return drawings, nil
}

func (s *s3Store) Get(ctx context.Context, id string) (*core.Drawing, error) {
	objectKey, ok := key(id)
	if !ok {
		return nil, fmt.Errorf("drawing %q: %w", id, core.ErrNotFound)
	}
	d, err := s.fetch(ctx, objectKey)
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get drawing %s: %w", id, err)
	}
	return d, nil
}

func (s *s3Store) Create(ctx context.Context, drawing *core.Drawing) error {
	if drawing.ID == "" {
		drawing.ID = ulid.Make().String()
	}
	objectKey, ok := key(drawing.ID)
	if !ok {
		return fmt.Errorf("invalid drawing id %q", drawing.ID)
	}
	now := core.Now()
	drawing.CreatedAt, drawing.UpdatedAt = now, now
	if err := s.put(ctx, objectKey, drawing); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": drawing.OwnerID, "drawing_id": drawing.ID}).Info("Drawing created successfully")
	return nil
}

func (s *s3Store) Update(ctx context.Context, id string, patch core.DrawingPatch) (*core.Drawing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	patch.Apply(next)
	next.UpdatedAt = core.NextVersion(current.UpdatedAt)

	objectKey, _ := key(id)
	if err := s.put(ctx, objectKey, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete checks existence first since S3 deletes of missing keys succeed.
func (s *s3Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	objectKey, _ := key(id)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete drawing %s: %w", id, err)
	}
	return nil
}

func (s *s3Store) fetch(ctx context.Context, objectKey string) (*core.Drawing, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read drawing data: %w", err)
	}
	return record.Decode(data)
}

func (s *s3Store) put(ctx context.Context, objectKey string, d *core.Drawing) error {
	data, err := record.Encode(d)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to save drawing %s: %w", d.ID, err)
	}
	return nil
}
