package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Credential is one KIS key set. Immutable once loaded.
type Credential struct {
	AppKey         string `json:"app_key"`
	AppSecret      string `json:"app_secret"`
	AccountNo      string `json:"account_no"`
	AccountProduct string `json:"account_product"`
}

// CredentialProvider yields the validated, enabled credential list at startup.
// Parsing and file-format concerns stay behind this interface; the broker core
// only ever sees clean structs.
type CredentialProvider interface {
	Credentials() ([]Credential, error)
}

const credentialSchema = `{
  "type": "object",
  "required": ["app_key", "app_secret"],
  "properties": {
    "app_key": {"type": "string", "minLength": 8},
    "app_secret": {"type": "string", "minLength": 8},
    "account_no": {"type": "string"},
    "account_product": {"type": "string"}
  }
}`

var credentialValidator = jsonschema.MustCompileString("credential.json", credentialSchema)

var keyLinePattern = regexp.MustCompile(`^KIS(\d+)_(KEY|SECRET|ACCOUNT_NUMBER|ACCOUNT_CODE)\s*=\s*(.*)$`)

// FileCredentials reads the personal key-records file (dotenv-style
// KIS<N>_KEY/SECRET/ACCOUNT_NUMBER/ACCOUNT_CODE lines) together with the
// dashboard's enable-toggle JSON.
type FileCredentials struct {
	RecordsPath    string
	TogglePath     string
	AccountProduct string // default when a record omits ACCOUNT_CODE
}

// Credentials returns only enabled, schema-valid key sets in record order.
// With a toggle file present and records present but nothing enabled, the
// caller must not silently fall back to the settings credential, so that case
// is an error.
func (p FileCredentials) Credentials() ([]Credential, error) {
	records, err := p.parseRecords()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	toggles := p.loadToggles()

	indices := make([]int, 0, len(records))
	for idx := range records {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	creds := make([]Credential, 0, len(records))
	for _, idx := range indices {
		if enabled, ok := toggles[strconv.Itoa(idx)]; ok && !enabled {
			continue
		}
		cred := records[idx]
		if cred.AccountProduct == "" {
			cred.AccountProduct = p.AccountProduct
		}
		if err := validateCredential(cred); err != nil {
			return nil, fmt.Errorf("credential KIS%d invalid: %w", idx, err)
		}
		creds = append(creds, cred)
	}
	if len(creds) == 0 && p.hasToggleFile() {
		return nil, fmt.Errorf("no enabled KIS keys; enable at least one in the dashboard")
	}
	return creds, nil
}

func validateCredential(c Credential) error {
	doc := map[string]any{
		"app_key":         c.AppKey,
		"app_secret":      c.AppSecret,
		"account_no":      c.AccountNo,
		"account_product": c.AccountProduct,
	}
	return credentialValidator.Validate(doc)
}

func (p FileCredentials) parseRecords() (map[int]Credential, error) {
	f, err := os.Open(p.RecordsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open key records: %w", err)
	}
	defer f.Close()

	records := make(map[int]Credential)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := keyLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		value := strings.Trim(strings.TrimSpace(m[3]), `"'`)
		rec := records[idx]
		switch m[2] {
		case "KEY":
			rec.AppKey = value
		case "SECRET":
			rec.AppSecret = value
		case "ACCOUNT_NUMBER":
			rec.AccountNo = value
		case "ACCOUNT_CODE":
			rec.AccountProduct = value
		}
		records[idx] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key records: %w", err)
	}
	return records, nil
}

func (p FileCredentials) hasToggleFile() bool {
	_, err := os.Stat(p.TogglePath)
	return err == nil
}

// loadToggles tolerates both the wrapped {"keys": {...}} layout written by the
// dashboard and a flat map. Unreadable files mean "everything enabled".
func (p FileCredentials) loadToggles() map[string]bool {
	data, err := os.ReadFile(p.TogglePath)
	if err != nil {
		return nil
	}
	var wrapped struct {
		Keys map[string]bool `json:"keys"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Keys) > 0 {
		return wrapped.Keys
	}
	var flat map[string]bool
	if err := json.Unmarshal(data, &flat); err == nil {
		return flat
	}
	return nil
}

// StaticCredentials wraps a fixed list, used for the settings fallback and in
// tests.
type StaticCredentials []Credential

func (s StaticCredentials) Credentials() ([]Credential, error) {
	return []Credential(s), nil
}

// ResolveCredentials runs the provider and falls back to the single settings
// credential when the provider yields nothing. The returned list is never
// empty unless the provider errored.
func ResolveCredentials(provider CredentialProvider, kis KISConfig) ([]Credential, error) {
	if provider != nil {
		creds, err := provider.Credentials()
		if err != nil {
			return nil, err
		}
		if len(creds) > 0 {
			return creds, nil
		}
	}
	return []Credential{{
		AppKey:         kis.AppKey,
		AppSecret:      kis.AppSecret,
		AccountNo:      kis.AccountNo,
		AccountProduct: kis.AccountProduct,
	}}, nil
}
