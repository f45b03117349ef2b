//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, Config) (Store, error) {
	return nil, fmt.Errorf("gcs archive is not enabled in this build (use -tags gcp)")
}
