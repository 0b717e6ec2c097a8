package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Destination
		wantErr bool
	}{
		{
			name: "s3 with prefix",
			raw:  "s3://datasets/testshift/runs/",
			want: Destination{Scheme: SchemeS3, Bucket: "datasets", Prefix: "testshift/runs"},
		},
		{
			name: "s3 compatible endpoint",
			raw:  "s3://bkt?endpoint=http://localhost:9000&path_style=true&region=eu-west-1",
			want: Destination{Scheme: SchemeS3, Bucket: "bkt", Endpoint: "http://localhost:9000", ForcePathStyle: true, Region: "eu-west-1"},
		},
		{
			name: "file url",
			raw:  "file:///srv/datasets",
			want: Destination{Scheme: SchemeFile, Prefix: "/srv/datasets"},
		},
		{name: "s3 without bucket", raw: "s3:///x", wantErr: true},
		{
			name: "s3 with instance metadata region",
			raw:  "s3://bkt/ds?imds_region=1",
			want: Destination{Scheme: SchemeS3, Bucket: "bkt", Prefix: "ds", IMDSRegion: true},
		},
		{name: "bad path_style", raw: "s3://b?path_style=maybe", wantErr: true},
		{name: "bad imds_region", raw: "s3://b?imds_region=perhaps", wantErr: true},
		{name: "unsupported scheme", raw: "gs://bucket", wantErr: true},
		{name: "remote file host", raw: "file://server/share", wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDestination(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidDestination))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDestination_BarePath(t *testing.T) {
	d, err := ParseDestination("out/datasets")
	require.NoError(t, err)
	assert.Equal(t, SchemeFile, d.Scheme)
	assert.True(t, filepath.IsAbs(d.Prefix))
}

func TestDestination_KeyAndLocation(t *testing.T) {
	s3d := Destination{Scheme: SchemeS3, Bucket: "b", Prefix: "p/q"}
	key := s3d.Key("run-demo-1", "final.jsonl")
	assert.Equal(t, "p/q/run-demo-1/final.jsonl", key)
	assert.Equal(t, "s3://b/p/q/run-demo-1/final.jsonl", s3d.Location(key))
	assert.Equal(t, "s3://b/p/q", s3d.String())

	fd := Destination{Scheme: SchemeFile, Prefix: "/srv/out"}
	key = fd.Key("run-demo-1", "final.jsonl")
	assert.Equal(t, "run-demo-1/final.jsonl", key)
	assert.Equal(t, "file:///srv/out/run-demo-1/final.jsonl", fd.Location(key))
}

func writeDataset(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "final.jsonl")
	require.NoError(t, os.WriteFile(p, []byte("{\"id\":\"1\"}\n{\"id\":\"2\"}\n"), 0o644))
	return p
}

func TestPublisher_FileDestination(t *testing.T) {
	dataset := writeDataset(t)
	outDir := t.TempDir()

	dest, err := ParseDestination("file://" + outDir)
	require.NoError(t, err)
	p, err := Open(context.Background(), dest, nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	loc, err := p.PublishFile(context.Background(), dataset, "run-demo-1")
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(outDir, "run-demo-1", "final.jsonl")), loc)

	got, err := os.ReadFile(filepath.Join(outDir, "run-demo-1", "final.jsonl"))
	require.NoError(t, err)
	want, _ := os.ReadFile(dataset)
	assert.Equal(t, want, got)

	leftovers, _ := filepath.Glob(filepath.Join(outDir, "run-demo-1", ".testshift-put-*"))
	assert.Empty(t, leftovers)
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	base := t.TempDir()
	s, err := NewFileStore(base)
	require.NoError(t, err)

	for _, key := range []string{"../../etc/passwd", "run-x/../../escape.jsonl", "..", "", "/"} {
		t.Run(key, func(t *testing.T) {
			err := s.PutObject(context.Background(), key, strings.NewReader("{}\n"), 3)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDestination)
		})
	}

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStore_NilBody(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var putErr error
	require.NotPanics(t, func() {
		putErr = s.PutObject(context.Background(), "run-x/final.jsonl", nil, 0)
	})
	assert.ErrorIs(t, putErr, ErrInvalidDestination)
}

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	if in.Body != nil {
		f.body, _ = io.ReadAll(in.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestPublisher_S3Destination(t *testing.T) {
	dataset := writeDataset(t)
	fake := &fakeS3{}
	dest := Destination{Scheme: SchemeS3, Bucket: "datasets", Prefix: "testshift"}
	p := NewPublisher(dest, &S3Store{client: fake, bucket: "datasets"}, nil)

	loc, err := p.PublishFile(context.Background(), dataset, "run-x")
	require.NoError(t, err)
	assert.Equal(t, "s3://datasets/testshift/run-x/final.jsonl", loc)

	require.NotNil(t, fake.in)
	assert.Equal(t, "datasets", aws.ToString(fake.in.Bucket))
	assert.Equal(t, "testshift/run-x/final.jsonl", aws.ToString(fake.in.Key))
	assert.Equal(t, int64(len(fake.body)), aws.ToInt64(fake.in.ContentLength))
}

func TestS3Store_ErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"AccessDenied", ErrAccessDenied},
		{"NoSuchBucket", ErrBucketNotFound},
		{"InvalidAccessKeyId", ErrInvalidCredentials},
		{"SlowDown", ErrThrottled},
		{"ServiceUnavailable", ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			store := &S3Store{client: &fakeS3{err: &smithy.GenericAPIError{Code: tt.code}}, bucket: "b"}
			err := store.PutObject(context.Background(), "k", nil, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))

			var pe *Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "b", pe.Bucket)
			assert.Equal(t, "k", pe.Key)
		})
	}
}

func TestS3Config_Validate(t *testing.T) {
	assert.Error(t, (&S3Config{}).Validate())
	assert.Error(t, (&S3Config{Bucket: "b", AccessKeyID: "x"}).Validate())
	assert.NoError(t, (&S3Config{Bucket: "b"}).Validate())
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", "", ""))
	assert.Equal(t, "", resolveRegion("", "http://minio:9000", ""))
}
