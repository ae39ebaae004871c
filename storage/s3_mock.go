package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is a mock implementation of S3Client for testing. Objects
// live in an in-process map; error fields force failures on specific
// operations.
type MockS3Client struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Buckets map[string]bool

	// Errors to return from operations
	HeadBucketErr   error
	CreateBucketErr error
	PutObjectErr    error
	GetObjectErr    error
	ListObjectsErr  error
	DeleteObjectErr error

	// Track function calls
	PutObjectCalls    int
	DeleteObjectCalls int
}

// NewMockS3Client returns a mock with an empty object map.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string][]byte),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket reports whether the bucket was created on the mock.
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.HeadBucketErr != nil {
		return nil, m.HeadBucketErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Buckets[aws.ToString(params.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

// CreateBucket records the bucket on the mock.
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if m.CreateBucketErr != nil {
		return nil, m.CreateBucketErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Buckets[aws.ToString(params.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

// PutObject stores the body in the object map.
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.PutObjectErr != nil {
		return nil, m.PutObjectErr
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalls++
	m.Objects[aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

// GetObject returns the stored body or a NoSuchKey error.
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.GetObjectErr != nil {
		return nil, m.GetObjectErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.Objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(content)),
		ContentLength: aws.Int64(int64(len(content))),
	}, nil
}

// ListObjectsV2 lists stored keys matching the prefix in one page.
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.ListObjectsErr != nil {
		return nil, m.ListObjectsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range m.Objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	contents := make([]types.Object, 0, len(keys))
	for _, key := range keys {
		contents = append(contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(m.Objects[key]))),
		})
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

// DeleteObject removes the key from the object map.
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.DeleteObjectErr != nil {
		return nil, m.DeleteObjectErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteObjectCalls++
	delete(m.Objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// CreateMultipartUpload is not exercised by the mock-based tests; the
// upload manager only falls back to multipart for bodies above the part
// size threshold.
func (m *MockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mock-upload")}, nil
}

// UploadPart accepts and discards a part.
func (m *MockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{ETag: aws.String("mock-etag")}, nil
}

// CompleteMultipartUpload finishes a mock multipart upload.
func (m *MockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

// AbortMultipartUpload aborts a mock multipart upload.
func (m *MockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}
