package terminal

import "strings"

var blockedNames = map[string]struct{}{
	"DATABASE_URL":                   {},
	"DB_URL":                         {},
	"REDIS_URL":                      {},
	"MONGODB_URI":                    {},
	"POSTGRES_URL":                   {},
	"GOOGLE_APPLICATION_CREDENTIALS": {},
	"SSH_AUTH_SOCK":                  {},
	"GPG_AGENT_INFO":                 {},
	"DOCKER_AUTH_CONFIG":             {},
	"APPLE_ID":                       {},
	"NETRC":                          {},
}

var blockedPrefixes = []string{"AWS_", "STRIPE_", "AZURE_CLIENT_", "CSC_", "APPLE_APP_", "RINAWARP_"}

var blockedSuffixes = []string{
	"_TOKEN", "_API_KEY", "_APIKEY", "_PASSWORD", "_PASSWD", "_PRIVATE_KEY",
	"_SIGNING_KEY", "_ACCESS_KEY", "_CREDENTIALS", "_DSN", "_AUTH",
}

// Blocked reports whether an environment variable name carries credentials
// and must not reach an agent subprocess.
func Blocked(name string) bool {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" {
		return true
	}
	if _, ok := blockedNames[upper]; ok {
		return true
	}
	if strings.Contains(upper, "SECRET") {
		return true
	}
	for _, p := range blockedPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, s := range blockedSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// SafeEnv filters KEY=VALUE entries, dropping credential-bearing variables
// regardless of their value and any malformed entry. Later duplicates win.
func SafeEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	index := make(map[string]int, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || Blocked(name) {
			continue
		}
		if i, dup := index[name]; dup {
			out[i] = kv
			continue
		}
		index[name] = len(out)
		out = append(out, kv)
	}
	return out
}
