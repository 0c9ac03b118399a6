package boosty

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrAuthMissing means the credential file is absent or lacks the access
// token or device id. Publishing to the blog is impossible until it is
// fixed, so it is never retried.
var ErrAuthMissing = errors.New("boosty: credential file missing or incomplete")

// Auth is the content of the credential file exported from a browser
// session.
type Auth struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoadAuth reads and checks the credential file.
func LoadAuth(path string) (*Auth, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrAuthMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var auth Auth
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAuthMissing, path, err)
	}
	if auth.AccessToken == "" || auth.DeviceID == "" {
		return nil, fmt.Errorf("%w: %s needs access_token and device_id", ErrAuthMissing, path)
	}
	return &auth, nil
}
