// Package s3 implements the storagedriver.Driver contract against any
// S3-compatible object store, grounded on
// registry/storage/driver/s3-aws/s3.go. Objects are stored at absolute keys
// under an optional root prefix; "directories" are synthesized from
// delimiter-based ListObjectsV2 common prefixes, since S3 has no directory
// concept of its own.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/cloudgateway/gateway/storagedriver"
	"github.com/cloudgateway/gateway/storagedriver/factory"
)

const driverName = "s3"

// minPartSize is the smallest part size the S3 multipart upload API accepts;
// every part but the last must meet it.
const minPartSize = 5 * 1024 * 1024

const defaultPartSize = 8 * minPartSize

// presignClipFactor scales every requested expiry: GenerateDownloadURL signs
// for, and reports, 90% of it (3600s becomes 3240s), so the advertised
// expiresInActual is always conservative.
const presignClipFactor = 0.9

const listMax = 1000

func init() {
	factory.Register(driverName, func(params map[string]interface{}) (storagedriver.Driver, error) {
		return FromParameters(params)
	})
}

// Driver stores objects in a single S3-compatible bucket.
type Driver struct {
	s3     *s3.S3
	bucket string
	root   string

	forceSameAccountCopy bool // not set or read by any code path in this package

	multipartCopyChunkSize      int64
	multipartCopyMaxConcurrency int64
	multipartCopyThreshold      int64

	// defaultPresignSeconds is the TTL GenerateDownloadURL uses when the
	// caller passes expiresIn <= 0, sourced from the storage config's
	// signature_expires_in (spec §4.3.1, §4.6 tier 2 default).
	defaultPresignSeconds int
}

var _ storagedriver.Driver = (*Driver)(nil)

// FromParameters constructs a Driver from a decrypted StorageConfig.Params
// map. Required: accesskey, secretkey, bucket, region (or endpoint).
func FromParameters(parameters map[string]interface{}) (*Driver, error) {
	accessKey, _ := parameters["accesskey"].(string)
	secretKey, _ := parameters["secretkey"].(string)
	sessionToken, _ := parameters["sessiontoken"].(string)

	bucket, _ := parameters["bucket"].(string)
	if bucket == "" {
		return nil, fmt.Errorf("s3: no bucket parameter provided")
	}

	region, _ := parameters["region"].(string)
	endpoint, _ := parameters["endpoint"].(string)
	if region == "" && endpoint == "" {
		return nil, fmt.Errorf("s3: no region or endpoint parameter provided")
	}
	if region == "" {
		region = "us-east-1"
	}

	forcePathStyle := true
	if v, ok := parameters["forcepathstyle"]; ok {
		if b, err := parseBool(v); err == nil {
			forcePathStyle = b
		}
	}

	secure := true
	if v, ok := parameters["secure"]; ok {
		if b, err := parseBool(v); err == nil {
			secure = b
		}
	}

	root, _ := parameters["rootdirectory"].(string)

	awsConfig := aws.NewConfig()
	if accessKey != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, sessionToken))
	}
	if endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(endpoint)
	}
	awsConfig = awsConfig.
		WithRegion(region).
		WithS3ForcePathStyle(forcePathStyle).
		WithDisableSSL(!secure)

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to create session: %w", err)
	}

	multipartCopyChunkSize := int64(defaultPartSize)
	if v, ok := parameters["multipartcopychunksize"]; ok {
		if n, err := parseInt64(v); err == nil {
			multipartCopyChunkSize = n
		}
	}
	multipartCopyThreshold := int64(defaultPartSize * 4)
	if v, ok := parameters["multipartcopythresholdsize"]; ok {
		if n, err := parseInt64(v); err == nil {
			multipartCopyThreshold = n
		}
	}

	defaultPresignSeconds := 0
	if v, ok := parameters["signature_expires_in"]; ok {
		if n, err := parseInt64(v); err == nil {
			defaultPresignSeconds = int(n)
		}
	}

	return &Driver{
		s3:                          s3.New(sess),
		bucket:                      bucket,
		root:                        strings.Trim(root, "/"),
		multipartCopyChunkSize:      multipartCopyChunkSize,
		multipartCopyMaxConcurrency: 16,
		multipartCopyThreshold:      multipartCopyThreshold,
		defaultPresignSeconds:       defaultPresignSeconds,
	}, nil
}

func parseBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	default:
		return false, fmt.Errorf("not a bool")
	}
}

func parseInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer")
	}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) Capabilities() storagedriver.Capabilities {
	return storagedriver.NewCapabilities(
		storagedriver.Reader,
		storagedriver.Writer,
		storagedriver.Multipart,
		storagedriver.Atomic,
		storagedriver.DirectLink,
		storagedriver.Presigned,
	)
}

// key maps a virtual sub-path to an S3 object key under the configured root.
func (d *Driver) key(subPath string) string {
	p := path.Join(d.root, subPath)
	return strings.TrimPrefix(p, "/")
}

func (d *Driver) dirKey(subPath string) string {
	k := d.key(subPath)
	if k != "" && !strings.HasSuffix(k, "/") {
		k += "/"
	}
	return k
}

func (d *Driver) List(ctx storagedriver.OpContext, subPath string) ([]storagedriver.FileEntry, error) {
	prefix := d.dirKey(subPath)

	var entries []storagedriver.FileEntry
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(listMax),
	}

	for {
		resp, err := d.s3.ListObjectsV2WithContext(ctx.Context, input)
		if err != nil {
			return nil, wrapErr(subPath, err)
		}

		for _, obj := range resp.Contents {
			if aws.StringValue(obj.Key) == prefix {
				continue
			}
			entries = append(entries, d.fileEntry(*obj.Key, prefix, false, aws.Int64Value(obj.Size), aws.TimeValue(obj.LastModified), aws.StringValue(obj.ETag)))
		}
		for _, cp := range resp.CommonPrefixes {
			entries = append(entries, d.fileEntry(*cp.Prefix, prefix, true, 0, time.Time{}, ""))
		}

		if !aws.BoolValue(resp.IsTruncated) {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}

	if len(entries) == 0 && subPath != "/" {
		if ok, _ := d.Exists(ctx, subPath); !ok {
			return nil, storagedriver.PathNotFoundError{Path: subPath}
		}
	}

	return entries, nil
}

func (d *Driver) fileEntry(key, prefix string, isDir bool, size int64, modified time.Time, etag string) storagedriver.FileEntry {
	rel := strings.TrimPrefix(key, prefix)
	rel = strings.TrimSuffix(rel, "/")
	mt := storagedriver.DirectoryMimeType
	if !isDir {
		mt = ""
	}
	return storagedriver.FileEntry{
		FSPath:      path.Join("/", strings.TrimPrefix(prefix, d.root), rel),
		Name:        rel,
		IsDirectory: isDir,
		Size:        size,
		Modified:    modified,
		Mimetype:    mt,
		ETag:        strings.Trim(etag, `"`),
	}
}

func (d *Driver) Stat(ctx storagedriver.OpContext, subPath string) (storagedriver.FileEntry, error) {
	key := d.key(subPath)
	head, err := d.s3.HeadObjectWithContext(ctx.Context, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return storagedriver.FileEntry{
			FSPath:   subPath,
			Name:     path.Base(subPath),
			Size:     aws.Int64Value(head.ContentLength),
			Modified: aws.TimeValue(head.LastModified),
			ETag:     strings.Trim(aws.StringValue(head.ETag), `"`),
			Mimetype: aws.StringValue(head.ContentType),
		}, nil
	}

	// HeadObject 404s both for a missing key and for a key that is really
	// a directory prefix; fall back to a list probe to distinguish them.
	resp, lerr := d.s3.ListObjectsV2WithContext(ctx.Context, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(d.dirKey(subPath)),
		MaxKeys: aws.Int64(1),
	})
	if lerr == nil && (len(resp.Contents) > 0 || len(resp.CommonPrefixes) > 0) {
		return storagedriver.FileEntry{
			FSPath:      subPath,
			Name:        path.Base(subPath),
			IsDirectory: true,
			Mimetype:    storagedriver.DirectoryMimeType,
		}, nil
	}

	return storagedriver.FileEntry{}, wrapErr(subPath, err)
}

func (d *Driver) Exists(ctx storagedriver.OpContext, subPath string) (bool, error) {
	_, err := d.Stat(ctx, subPath)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(storagedriver.PathNotFoundError); ok {
		return false, nil
	}
	return false, err
}

func (d *Driver) Download(ctx storagedriver.OpContext, subPath string) (*storagedriver.StreamDescriptor, error) {
	fi, err := d.Stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if fi.IsDirectory {
		return nil, storagedriver.IsADirectoryError{Path: subPath}
	}

	key := d.key(subPath)
	return &storagedriver.StreamDescriptor{
		Size:          fi.Size,
		ContentType:   fi.Mimetype,
		ETag:          fi.ETag,
		LastModified:  fi.Modified,
		SupportsRange: true,
		Open: func(ctx2 context.Context, rng *storagedriver.ByteRange) (io.ReadCloser, error) {
			input := &s3.GetObjectInput{Bucket: aws.String(d.bucket), Key: aws.String(key)}
			if rng != nil {
				if rng.End < 0 {
					input.Range = aws.String(fmt.Sprintf("bytes=%d-", rng.Start))
				} else {
					input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
				}
			}
			resp, err := d.s3.GetObjectWithContext(ctx2, input)
			if err != nil {
				if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == "InvalidRange" {
					return io.NopCloser(bytes.NewReader(nil)), nil
				}
				return nil, wrapErr(subPath, err)
			}
			return resp.Body, nil
		},
	}, nil
}

func (d *Driver) Upload(ctx storagedriver.OpContext, subPath string, body io.Reader, opts storagedriver.UploadOptions) (storagedriver.UploadResult, error) {
	key := d.key(subPath)

	var rs io.ReadSeeker
	if seeker, ok := body.(io.ReadSeeker); ok {
		rs = seeker
	} else {
		buf, err := io.ReadAll(body)
		if err != nil {
			return storagedriver.UploadResult{}, err
		}
		rs = bytes.NewReader(buf)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   rs,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	resp, err := d.s3.PutObjectWithContext(ctx.Context, input)
	if err != nil {
		return storagedriver.UploadResult{}, wrapErr(subPath, err)
	}

	return storagedriver.UploadResult{
		StoragePath: subPath,
		ETag:        strings.Trim(aws.StringValue(resp.ETag), `"`),
		Size:        opts.ContentLength,
	}, nil
}

// Mkdir is a no-op success on S3: directories are implicit in key prefixes,
// so there is nothing to create (spec §4.3's "Exists is success" applies
// vacuously here — every prefix already "exists").
func (d *Driver) Mkdir(ctx storagedriver.OpContext, subPath string) (storagedriver.MkdirResult, error) {
	return storagedriver.MkdirResult{AlreadyExists: true}, nil
}

func (d *Driver) Remove(ctx storagedriver.OpContext, subPath string) error {
	fi, err := d.Stat(ctx, subPath)
	if err != nil {
		return err
	}
	if !fi.IsDirectory {
		_, err := d.s3.DeleteObjectWithContext(ctx.Context, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(subPath)),
		})
		return wrapErr(subPath, err)
	}
	return d.removePrefix(ctx, d.dirKey(subPath))
}

func (d *Driver) removePrefix(ctx storagedriver.OpContext, prefix string) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(d.bucket), Prefix: aws.String(prefix)}
	for {
		resp, err := d.s3.ListObjectsV2WithContext(ctx.Context, input)
		if err != nil {
			return err
		}
		if len(resp.Contents) == 0 {
			break
		}
		ids := make([]*s3.ObjectIdentifier, 0, len(resp.Contents))
		for _, obj := range resp.Contents {
			ids = append(ids, &s3.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := d.s3.DeleteObjectsWithContext(ctx.Context, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &s3.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return err
		}
		if !aws.BoolValue(resp.IsTruncated) {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	return nil
}

func (d *Driver) Rename(ctx storagedriver.OpContext, oldPath, newPath string) error {
	if _, err := d.Copy(ctx, oldPath, newPath, storagedriver.CopyOptions{}); err != nil {
		return err
	}
	return d.Remove(ctx, oldPath)
}

// Copy performs a same-driver server-side copy (spec §4.3 Atomic capability):
// single-shot CopyObject under the multipart-copy threshold, multipart
// UploadPartCopy fan-out above it.
func (d *Driver) Copy(ctx storagedriver.OpContext, srcPath, dstPath string, opts storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	if opts.SkipExisting {
		if exists, _ := d.Exists(ctx, dstPath); exists {
			return storagedriver.CopyResult{Status: storagedriver.CopySkipped, Reason: "destination already exists"}, nil
		}
	}

	fi, err := d.Stat(ctx, srcPath)
	if err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
	}

	srcKey := d.key(srcPath)
	dstKey := d.key(dstPath)
	copySource := d.bucket + "/" + srcKey

	if fi.Size <= d.multipartCopyThreshold {
		_, err := d.s3.CopyObjectWithContext(ctx.Context, &s3.CopyObjectInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(copySource),
		})
		if err != nil {
			return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, wrapErr(srcPath, err)
		}
		return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
	}

	if err := d.multipartCopy(ctx, copySource, dstKey, fi.Size, opts.Progress); err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
	}
	return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
}

func (d *Driver) multipartCopy(ctx storagedriver.OpContext, copySource, dstKey string, size int64, progress func(int64)) error {
	created, err := d.s3.CreateMultipartUploadWithContext(ctx.Context, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(dstKey),
	})
	if err != nil {
		return err
	}

	numParts := (size + d.multipartCopyChunkSize - 1) / d.multipartCopyChunkSize
	parts := make([]*s3.CompletedPart, numParts)
	errCh := make(chan error, numParts)
	limiter := make(chan struct{}, d.multipartCopyMaxConcurrency)
	var transferred int64

	for i := int64(0); i < numParts; i++ {
		i := i
		go func() {
			limiter <- struct{}{}
			defer func() { <-limiter }()

			first := i * d.multipartCopyChunkSize
			last := first + d.multipartCopyChunkSize - 1
			if last >= size {
				last = size - 1
			}
			resp, err := d.s3.UploadPartCopyWithContext(ctx.Context, &s3.UploadPartCopyInput{
				Bucket:          aws.String(d.bucket),
				Key:             aws.String(dstKey),
				CopySource:      aws.String(copySource),
				PartNumber:      aws.Int64(i + 1),
				UploadId:        created.UploadId,
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", first, last)),
			})
			if err == nil {
				parts[i] = &s3.CompletedPart{ETag: resp.CopyPartResult.ETag, PartNumber: aws.Int64(i + 1)}
				if progress != nil {
					transferred += last - first + 1
					progress(transferred)
				}
			}
			errCh <- err
		}()
	}

	for range parts {
		if err := <-errCh; err != nil {
			return err
		}
	}

	_, err = d.s3.CompleteMultipartUploadWithContext(ctx.Context, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(dstKey),
		UploadId:        created.UploadId,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	return err
}

func (d *Driver) BatchRemove(ctx storagedriver.OpContext, paths []string) (storagedriver.BatchRemoveResult, error) {
	var result storagedriver.BatchRemoveResult
	for _, p := range paths {
		if err := d.Remove(ctx, p); err != nil {
			result.Failed = append(result.Failed, storagedriver.BatchItemError{Path: p, Error: err.Error()})
		} else {
			result.Success = append(result.Success, p)
		}
	}
	return result, nil
}

func (d *Driver) Search(ctx storagedriver.OpContext, query string, opts storagedriver.SearchOptions) ([]storagedriver.FileEntry, error) {
	prefix := d.dirKey(opts.SearchPath)
	max := opts.MaxResults
	if max <= 0 {
		max = 1000
	}

	var matches []storagedriver.FileEntry
	input := &s3.ListObjectsV2Input{Bucket: aws.String(d.bucket), Prefix: aws.String(prefix)}
	lowerQuery := strings.ToLower(query)

	for {
		resp, err := d.s3.ListObjectsV2WithContext(ctx.Context, input)
		if err != nil {
			return nil, wrapErr(opts.SearchPath, err)
		}
		for _, obj := range resp.Contents {
			name := path.Base(aws.StringValue(obj.Key))
			if strings.Contains(strings.ToLower(name), lowerQuery) {
				matches = append(matches, d.fileEntry(*obj.Key, prefix, false, aws.Int64Value(obj.Size), aws.TimeValue(obj.LastModified), aws.StringValue(obj.ETag)))
				if len(matches) >= max {
					return matches, nil
				}
			}
		}
		if !aws.BoolValue(resp.IsTruncated) {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	return matches, nil
}

// GenerateDownloadURL returns a presigned GET URL, clipping the signed
// expiry to presignClipFactor of the request so a slow client still has
// margin before the signature actually expires (spec §4.6 tier 2). expiresIn
// <= 0 falls back to the storage config's signature_expires_in.
func (d *Driver) GenerateDownloadURL(ctx storagedriver.OpContext, subPath string, expiresIn int) (string, int, error) {
	if expiresIn <= 0 {
		expiresIn = d.defaultPresignSeconds
	}
	req, _ := d.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subPath)),
	})
	actual := int(math.Round(float64(expiresIn) * presignClipFactor))
	ttl := time.Duration(actual) * time.Second
	url, err := req.Presign(ttl)
	if err != nil {
		return "", 0, wrapErr(subPath, err)
	}
	return url, actual, nil
}

// GenerateProxyURL is unused for S3: it declares DirectLink, not Proxy.
func (d *Driver) GenerateProxyURL(ctx storagedriver.OpContext, subPath string) (string, error) {
	return "", storagedriver.InvalidArgumentError{Reason: "s3 driver does not support proxy URLs"}
}

func (d *Driver) Multipart() storagedriver.MultipartDriver { return &multipart{d: d} }

func wrapErr(p string, err error) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return storagedriver.PathNotFoundError{Path: p}
		}
		return &storagedriver.Error{Provider: "S3", StatusCode: 0, Body: awsErr.Message(), Err: awsErr}
	}
	return &storagedriver.Error{Provider: "S3", Err: err}
}
