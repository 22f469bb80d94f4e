package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/clinicsync/clinicsync/internal/syncerr"
)

type fakeAPIError struct {
	code string
}

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestMapS3Error(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind syncerr.Kind
		wantCode syncerr.Code
	}{
		{"no such key", &types.NoSuchKey{}, syncerr.KindStorage, syncerr.CodeNotFound},
		{"access denied", &fakeAPIError{code: "AccessDenied"}, syncerr.KindStorage, syncerr.CodeAccessDenied},
		{"slow down", &fakeAPIError{code: "SlowDown"}, syncerr.KindNetwork, syncerr.CodeRateLimited},
		{"bad credentials", &fakeAPIError{code: "InvalidAccessKeyId"}, syncerr.KindAuth, syncerr.CodeInvalidCredentials},
		{"server error", &fakeAPIError{code: "InternalError"}, syncerr.KindNetwork, syncerr.CodeServerError},
		{"deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), syncerr.KindNetwork, syncerr.CodeTimeout},
		{"unknown", errors.New("mystery"), syncerr.KindNetwork, syncerr.CodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapS3Error("remote.test", tt.err)
			assert.Equal(t, tt.wantKind, syncerr.KindOf(mapped))
			assert.Equal(t, tt.wantCode, syncerr.CodeOf(mapped))
		})
	}
}

func TestDescriptorFromObject(t *testing.T) {
	ts := time.Date(2025, 3, 4, 15, 30, 45, 0, time.UTC)
	obj := types.Object{
		Key:          aws.String("backups/clinic-1_2025-03-04T15-30-45Z.enc"),
		LastModified: aws.Time(ts),
		Size:         aws.Int64(1234),
	}

	d := descriptorFromObject(obj)
	assert.Equal(t, "backups/clinic-1_2025-03-04T15-30-45Z.enc", d.ID)
	assert.Equal(t, "clinic-1_2025-03-04T15-30-45Z.enc", d.Name)
	assert.Equal(t, "clinic-1", d.TenantID)
	assert.Equal(t, ts, d.CreatedAt)
	assert.Equal(t, int64(1234), d.Size)
	assert.Equal(t, "backup", d.Kind)
}
