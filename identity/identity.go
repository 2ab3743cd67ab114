package identity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
)

const (
	DefaultBuildNumber     = "17DProject78"
	DefaultMasteringNumber = "17D68"
	DefaultLocale          = "en_US"
	DefaultLanguage        = "en-us"
	DefaultTimezone        = "US/Pacific"
	DefaultWidgetKey       = "83545bf919730e51dbfba24e7e8a78d2"
	DefaultUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/603.3.1 (KHTML, like Gecko) Version/10.1.2 Safari/603.3.1"

	clientInfoVersion = "1.1"
)

var idPattern = regexp.MustCompile(`^[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}$`)

// Settings is the immutable client metadata sent with provider requests.
type Settings struct {
	BuildNumber     string `toml:"build_number" env:"BUILD_NUMBER"`
	MasteringNumber string `toml:"mastering_number" env:"MASTERING_NUMBER"`
	Locale          string `toml:"locale" env:"LOCALE"`
	Language        string `toml:"language" env:"LANGUAGE"`
	Timezone        string `toml:"timezone" env:"TIMEZONE"`
	UserAgent       string `toml:"user_agent" env:"USER_AGENT"`
	WidgetKey       string `toml:"widget_key" env:"WIDGET_KEY"`
}

// DefaultSettings returns the metadata of the provider's web client.
func DefaultSettings() Settings {
	return Settings{
		BuildNumber:     DefaultBuildNumber,
		MasteringNumber: DefaultMasteringNumber,
		Locale:          DefaultLocale,
		Language:        DefaultLanguage,
		Timezone:        DefaultTimezone,
		UserAgent:       DefaultUserAgent,
		WidgetKey:       DefaultWidgetKey,
	}
}

// Validate checks that every field is set and the timezone resolves.
func (s Settings) Validate() error {
	switch {
	case s.BuildNumber == "":
		return fmt.Errorf("identity: build number is empty")
	case s.MasteringNumber == "":
		return fmt.Errorf("identity: mastering number is empty")
	case s.Locale == "":
		return fmt.Errorf("identity: locale is empty")
	case s.UserAgent == "":
		return fmt.Errorf("identity: user agent is empty")
	case s.WidgetKey == "":
		return fmt.Errorf("identity: widget key is empty")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("identity: timezone %q: %v", s.Timezone, err)
	}
	return nil
}

// Identity is the per-session client identity. It is safe for concurrent use.
type Identity struct {
	settings Settings

	once sync.Once
	id   string
}

// New returns an Identity whose client id is generated on first use.
func New(settings Settings) *Identity {
	return &Identity{settings: settings}
}

// Restore returns an Identity that keeps id when it is well formed and
// otherwise behaves like [New].
func Restore(settings Settings, id string) *Identity {
	ident := New(settings)
	id = strings.ToUpper(strings.TrimSpace(id))
	if ValidID(id) {
		ident.once.Do(func() { ident.id = id })
	}
	return ident
}

// ClientID returns the stable client-correlation identifier.
func (i *Identity) ClientID() string {
	i.once.Do(func() {
		i.id = NewID()
	})
	return i.id
}

// Settings returns a copy of the client metadata.
func (i *Identity) Settings() Settings {
	return i.settings
}

// ClientInfo renders the X-Apple-I-FD-Client-Info header value.
func (i *Identity) ClientInfo() string {
	return i.clientInfoAt(time.Now())
}

func (i *Identity) clientInfoAt(now time.Time) string {
	info := struct {
		U string `json:"U"`
		L string `json:"L"`
		Z string `json:"Z"`
		V string `json:"V"`
		F string `json:"F"`
	}{
		U: i.settings.UserAgent,
		L: i.settings.Locale,
		Z: GMTOffset(i.settings.Timezone, now),
		V: clientInfoVersion,
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// NewID returns a random identifier formatted as upper-case hex groups of
// 8-4-4-4-12 digits.
func NewID() string {
	return strings.ToUpper(uuid.NewString())
}

// ValidID reports whether id has the client-id shape.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// GMTOffset formats the UTC offset of tz at now as "GMT+hh:mm". Unknown
// zones render as "GMT+00:00".
func GMTOffset(tz string, now time.Time) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	_, offset := now.In(loc).Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("GMT%c%02d:%02d", sign, offset/3600, (offset%3600)/60)
}
