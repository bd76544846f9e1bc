/*
Copyright 2026 The Radarpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bufr

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	retryAttempts    = 3
	retryBaseDelay   = time.Second
	retryMaxDelay    = time.Minute
	retryJitterShare = 0.25
)

// DecodeWithRetry decodes path, retrying transient failures up to
// three attempts with exponential backoff and jitter. FILE_NOT_FOUND
// is permanent and returned immediately; the decoder library
// occasionally trips over its own global state, which a retry heals.
func DecodeWithRetry(ctx context.Context, d Decoder, path string) (*Volume, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		vol, err := d.Decode(ctx, path)
		if err == nil {
			return vol, nil
		}
		var de *Error
		if errors.As(err, &de) && de.Class == ClassFileNotFound {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// backoffDelay is a variable so tests can collapse the waits.
var backoffDelay = func(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(float64(d)*retryJitterShare)))
}

func sleepBackoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoffDelay(attempt)):
		return nil
	}
}
