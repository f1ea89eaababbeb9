package dualauth

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
)

// Settings is the settings for the dualauth package. Every field can be
// set from the environment with LoadSettings.
type Settings struct {
	Env      string `env:"ENV" envDefault:"development"`
	Debug    bool   `env:"DEBUG"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Addr           string `env:"ADDR" envDefault:":8080"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"dualauth.db"`

	// RedisURL selects the Redis attempt store. Empty keeps attempts in memory.
	RedisURL string `env:"REDIS_URL"`

	// SecretKey signs session tokens. At least 32 bytes.
	SecretKey         string        `env:"SECRET_KEY"`
	TokenIssuer       string        `env:"TOKEN_ISSUER" envDefault:"dualauth"`
	AccessTokenExpire time.Duration `env:"ACCESS_TOKEN_EXPIRE" envDefault:"30m"`

	AttemptTTL       time.Duration `env:"ATTEMPT_TTL" envDefault:"10m"`
	PopupWaitTimeout time.Duration `env:"POPUP_WAIT_TIMEOUT" envDefault:"2m"`

	// FrontendURL is where redirect-mode flows land; its origin is always allowed.
	FrontendURL    string   `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	EntryPath      string   `env:"ENTRY_PATH" envDefault:"/login"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// TrustedProxies may set X-Forwarded-For. Entries are IPs or CIDRs.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// OAuth 1.0a consumer credentials, used to post on behalf of the user.
	TwitterAPIKey            string `env:"TWITTER_API_KEY"`
	TwitterAPISecret         string `env:"TWITTER_API_SECRET"`
	TwitterOAuth1CallbackURL string `env:"TWITTER_OAUTH1_CALLBACK_URL" envDefault:"http://localhost:3000/auth/callback"`

	// OAuth 2.0 client credentials, used for login.
	TwitterClientID     string `env:"TWITTER_CLIENT_ID"`
	TwitterClientSecret string `env:"TWITTER_CLIENT_SECRET"`
	TwitterRedirectURL  string `env:"TWITTER_OAUTH_REDIRECT_URI" envDefault:"http://localhost:3000/auth/oauth2-callback"`
	TwitterUseEmail     bool   `env:"TWITTER_USE_EMAIL"`

	TwitterRequestTokenURL    string `env:"TWITTER_REQUEST_TOKEN_URL" envDefault:"https://api.twitter.com/oauth/request_token"`
	TwitterAuthorizeURL       string `env:"TWITTER_AUTHORIZE_URL" envDefault:"https://api.twitter.com/oauth/authorize"`
	TwitterAccessTokenURL     string `env:"TWITTER_ACCESS_TOKEN_URL" envDefault:"https://api.twitter.com/oauth/access_token"`
	TwitterOAuth2AuthorizeURL string `env:"TWITTER_OAUTH2_AUTHORIZE_URL" envDefault:"https://twitter.com/i/oauth2/authorize"`
	TwitterOAuth2TokenURL     string `env:"TWITTER_OAUTH2_TOKEN_URL" envDefault:"https://api.twitter.com/2/oauth2/token"`
	TwitterUserURL            string `env:"TWITTER_USER_URL" envDefault:"https://api.twitter.com/2/users/me"`
}

// DefaultSettings provide some reasonable defaults
var DefaultSettings = Settings{
	Env:                       "development",
	LogLevel:                  "info",
	Addr:                      ":8080",
	DatabaseDriver:            "sqlite3",
	DatabaseURL:               "dualauth.db",
	TokenIssuer:               "dualauth",
	AccessTokenExpire:         30 * time.Minute,
	AttemptTTL:                DefaultAttemptTTL,
	PopupWaitTimeout:          DefaultPopupWaitTimeout,
	FrontendURL:               "http://localhost:3000",
	EntryPath:                 "/login",
	TwitterOAuth1CallbackURL:  "http://localhost:3000/auth/callback",
	TwitterRedirectURL:        "http://localhost:3000/auth/oauth2-callback",
	TwitterRequestTokenURL:    "https://api.twitter.com/oauth/request_token",
	TwitterAuthorizeURL:       "https://api.twitter.com/oauth/authorize",
	TwitterAccessTokenURL:     "https://api.twitter.com/oauth/access_token",
	TwitterOAuth2AuthorizeURL: "https://twitter.com/i/oauth2/authorize",
	TwitterOAuth2TokenURL:     "https://api.twitter.com/2/oauth2/token",
	TwitterUserURL:            "https://api.twitter.com/2/users/me",
}

// LoadSettings reads an optional .env file and then the environment.
// Variables already present in the environment win over the file.
func LoadSettings(files ...string) (Settings, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load(files...)

	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Validate checks the settings needed to run the server.
func (s Settings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.SecretKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&s.AccessTokenExpire, validation.Required, validation.Min(time.Minute)),
		validation.Field(&s.AttemptTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&s.PopupWaitTimeout, validation.Required),
		validation.Field(&s.FrontendURL, validation.Required, is.URL),
		validation.Field(&s.DatabaseDriver, validation.In("sqlite3", "postgres")),
		validation.Field(&s.TrustedProxies, validation.Each(validation.By(checkProxy))),
		validation.Field(&s.TwitterOAuth1CallbackURL, is.URL),
		validation.Field(&s.TwitterRedirectURL, is.URL),
		validation.Field(&s.TwitterRequestTokenURL, is.URL),
		validation.Field(&s.TwitterAuthorizeURL, is.URL),
		validation.Field(&s.TwitterAccessTokenURL, is.URL),
		validation.Field(&s.TwitterOAuth2AuthorizeURL, is.URL),
		validation.Field(&s.TwitterOAuth2TokenURL, is.URL),
		validation.Field(&s.TwitterUserURL, is.URL),
	)
}

func checkProxy(value interface{}) error {
	s, _ := value.(string)
	if net.ParseIP(s) == nil {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return errors.New("must be an IP address or CIDR")
		}
	}
	return nil
}

// TrustedOrigins is the configured list plus the frontend's own origin.
func (s Settings) TrustedOrigins() []string {
	origins := append([]string(nil), s.AllowedOrigins...)
	if o := originOf(s.FrontendURL); o != "" {
		origins = append(origins, o)
	}
	return origins
}

func (s Settings) oauth1Configured() bool {
	return s.TwitterAPIKey != "" && s.TwitterAPISecret != ""
}

func (s Settings) oauth2Configured() bool {
	return s.TwitterClientID != "" && s.TwitterClientSecret != ""
}
