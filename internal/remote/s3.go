// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"k8s.io/klog/v2"
)

// S3Mirror mirrors checkpoint files into a single S3 bucket, keyed by the
// object name the caller provides (normally the checkpoint's relative path).
type S3Mirror struct {
	bucket string
	prefix string
	client *s3.Client
}

// NewS3Mirror constructs an S3Mirror using ambient AWS credentials/region
// resolution (environment, shared config, IMDS), the same chain storage/aws
// uses for the log-storage backend.
func NewS3Mirror(ctx context.Context, bucket, prefix string) (*S3Mirror, error) {
	if bucket == "" {
		return nil, errors.New("remote: bucket must not be empty")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to load AWS config: %w", err)
	}
	return &S3Mirror{
		bucket: bucket,
		prefix: prefix,
		client: s3.NewFromConfig(cfg),
	}, nil
}

// Upload stores data under <prefix>/<objectName> in the configured bucket.
//
// It is idempotent: if an identical object already exists it succeeds
// without rewriting it, mirroring setObjectIfNoneMatch's precondition-failure
// recovery path.
func (m *S3Mirror) Upload(ctx context.Context, objectName string, data io.ReadSeeker) error {
	key := objectName
	if m.prefix != "" {
		key = m.prefix + "/" + objectName
	}
	put := &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        data,
		IfNoneMatch: aws.String("*"),
	}
	if _, err := m.client.PutObject(ctx, put); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			klog.V(2).Infof("remote: object %q already mirrored, skipping re-upload", key)
			return nil
		}
		return fmt.Errorf("remote: failed to upload %q to bucket %q: %w", key, m.bucket, err)
	}
	return nil
}
