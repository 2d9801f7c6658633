package microsoft

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	keyRefreshInterval = 24 * time.Hour
	// Tokens naming an unknown kid may trigger at most one refetch per window;
	// callers over the limit fail instead of queueing behind it.
	unknownKeyRefetch = 5 * time.Minute
	unknownKeyWaitMax = time.Second
)

// signingKeys resolves Bot Framework verification keys from the published
// JWK set. The set is loaded on first use and refreshed in the background.
type signingKeys struct {
	client *http.Client
	url    string

	once sync.Once
	kf   keyfunc.Keyfunc
	err  error
}

func newSigningKeys(client *http.Client, url string) *signingKeys {
	return &signingKeys{client: client, url: url}
}

func (s *signingKeys) load() (keyfunc.Keyfunc, error) {
	s.once.Do(func() {
		s.kf, s.err = keyfunc.NewDefaultOverrideCtx(context.Background(), []string{s.url}, keyfunc.Override{
			Client:            s.client,
			RefreshInterval:   keyRefreshInterval,
			RefreshUnknownKID: rate.NewLimiter(rate.Every(unknownKeyRefetch), 1),
			RateLimitWaitMax:  unknownKeyWaitMax,
		})
	})
	return s.kf, s.err
}

// keyfunc returns the jwt.Keyfunc used to verify inbound tokens.
func (s *signingKeys) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kf, err := s.load()
		if err != nil {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
		return kf.KeyfuncCtx(ctx)(token)
	}
}
