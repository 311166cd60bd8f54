//go:build !gcp

package tensor

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _, _ string) (Store, error) {
	return nil, fmt.Errorf("tensor: gcs archive requires a build with the gcp tag")
}
