package internal

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes the closer, logging any failure rather than
// masking the caller's own error path.
func CloseAndLogIfError(ctx context.Context, closer io.Closer, message string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logrus.WithContext(ctx).WithError(err).Error(message)
	}
}
