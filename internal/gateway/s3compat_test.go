package gateway

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newS3Client points an official AWS SDK client at the test gateway,
// path-style, the way generic S3 tooling is configured against
// self-hosted endpoints.
func newS3Client(ts *testServer) *s3.Client {
	return s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(ts.srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("admin", "password", ""),
	})
}

func TestSDKBucketAndObjectFlow(t *testing.T) {
	ts := newTestServer(t)
	client := newS3Client(ts)
	ctx := context.Background()

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("sdk-bucket")})
	require.NoError(t, err)

	put, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String("sdk-bucket"),
		Key:         aws.String("hello.txt"),
		Body:        strings.NewReader("hello from the sdk"),
		ContentType: aws.String("text/plain"),
		Metadata:    map[string]string{"origin": "sdk"},
	})
	require.NoError(t, err)
	require.NotNil(t, put.ETag)

	get, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("sdk-bucket"),
		Key:    aws.String("hello.txt"),
	})
	require.NoError(t, err)
	body, err := io.ReadAll(get.Body)
	get.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello from the sdk", string(body))
	assert.Equal(t, *put.ETag, *get.ETag)
	assert.Equal(t, "sdk", get.Metadata["origin"])

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String("sdk-bucket"),
		Key:    aws.String("hello.txt"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(18), aws.ToInt64(head.ContentLength))

	list, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String("sdk-bucket")})
	require.NoError(t, err)
	require.Len(t, list.Contents, 1)
	assert.Equal(t, "hello.txt", aws.ToString(list.Contents[0].Key))

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String("sdk-bucket"),
		Key:    aws.String("hello.txt"),
	})
	require.NoError(t, err)

	_, err = client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("sdk-bucket"),
		Key:    aws.String("hello.txt"),
	})
	var noSuchKey *types.NoSuchKey
	assert.ErrorAs(t, err, &noSuchKey)

	_, err = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String("sdk-bucket")})
	require.NoError(t, err)
}

func TestSDKErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	client := newS3Client(ts)
	ctx := context.Background()

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String("ghost")})
	var notFound *types.NotFound
	assert.ErrorAs(t, err, &notFound)

	_, err = client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String("ghost")})
	var noSuchBucket *types.NoSuchBucket
	assert.ErrorAs(t, err, &noSuchBucket)
}

func TestSDKMultipartUpload(t *testing.T) {
	ts := newTestServer(t)
	client := newS3Client(ts)
	ctx := context.Background()

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("mp")})
	require.NoError(t, err)

	create, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String("mp"),
		Key:    aws.String("big.bin"),
	})
	require.NoError(t, err)
	uploadID := create.UploadId
	require.NotNil(t, uploadID)

	var completed []types.CompletedPart
	for i, body := range []string{"aaaaaaaaaa", "bbb"} {
		part, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String("mp"),
			Key:        aws.String("big.bin"),
			UploadId:   uploadID,
			PartNumber: aws.Int32(int32(i + 1)),
			Body:       strings.NewReader(body),
		})
		require.NoError(t, err)
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(i + 1)),
			ETag:       part.ETag,
		})
	}

	complete, err := client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String("mp"),
		Key:             aws.String("big.bin"),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	require.NoError(t, err)
	assert.Contains(t, aws.ToString(complete.ETag), "-2")

	get, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("mp"),
		Key:    aws.String("big.bin"),
	})
	require.NoError(t, err)
	body, _ := io.ReadAll(get.Body)
	get.Body.Close()
	assert.Equal(t, "aaaaaaaaaabbb", string(body))
}

func TestSDKVersioning(t *testing.T) {
	ts := newTestServer(t)
	client := newS3Client(ts)
	ctx := context.Background()

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("ver")})
	require.NoError(t, err)

	_, err = client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String("ver"),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	require.NoError(t, err)

	got, err := client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String("ver")})
	require.NoError(t, err)
	assert.Equal(t, types.BucketVersioningStatusEnabled, got.Status)

	first, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String("ver"),
		Key:    aws.String("k"),
		Body:   strings.NewReader("one"),
	})
	require.NoError(t, err)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String("ver"),
		Key:    aws.String("k"),
		Body:   strings.NewReader("two"),
	})
	require.NoError(t, err)

	versions, err := client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{Bucket: aws.String("ver")})
	require.NoError(t, err)
	assert.Len(t, versions.Versions, 2)

	// Read back the shadowed version by id.
	get, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String("ver"),
		Key:       aws.String("k"),
		VersionId: first.VersionId,
	})
	require.NoError(t, err)
	body, _ := io.ReadAll(get.Body)
	get.Body.Close()
	assert.Equal(t, "one", string(body))

	del, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String("ver"),
		Key:    aws.String("k"),
	})
	require.NoError(t, err)
	assert.True(t, aws.ToBool(del.DeleteMarker))
}
