// Package cloudtest runs archive integration tests against a local moto
// server. Files using it carry the cloudintegration build tag.
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

// Moto accepts any static credentials.
const (
	AccessKeyID     = "testing"
	SecretAccessKey = "testing"
)

// Moto is a reachable moto endpoint and a path-style client bound to it.
type Moto struct {
	Endpoint string
	Region   string
	Client   *s3.Client
}

// Start returns a Moto for MOTO_ENDPOINT (default localhost:5555), skipping
// t when nothing answers there.
func Start(t *testing.T) *Moto {
	t.Helper()
	m := &Moto{
		Endpoint: envOr("MOTO_ENDPOINT", "http://localhost:5555"),
		Region:   envOr("MOTO_REGION", "us-east-1"),
	}
	if !m.reachable() {
		t.Skipf("moto not reachable at %s", m.Endpoint)
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(m.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(AccessKeyID, SecretAccessKey, "")),
	)
	require.NoError(t, err)
	m.Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(m.Endpoint)
		o.UsePathStyle = true
	})
	return m
}

func (m *Moto) reachable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Bucket creates a bucket named after the test and empties and removes it
// on cleanup.
func (m *Moto) Bucket(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	_, err := m.Client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(name)})
	require.NoError(t, err, "create bucket %s", name)

	t.Cleanup(func() {
		ctx := context.Background()
		for _, key := range m.Keys(t, name, "") {
			_, _ = m.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(name), Key: aws.String(key)})
		}
		if _, err := m.Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
			t.Logf("delete bucket %s: %v", name, err)
		}
	})
	return name
}

// Object returns the body stored at bucket/key.
func (m *Moto) Object(t *testing.T, bucket, key string) []byte {
	t.Helper()
	out, err := m.Client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	require.NoError(t, err, "get %s/%s", bucket, key)
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	return data
}

// Keys lists every key in bucket under prefix.
func (m *Moto) Keys(t *testing.T, bucket, prefix string) []string {
	t.Helper()
	var keys []string
	p := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(context.Background())
		require.NoError(t, err, "list %s", bucket)
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
