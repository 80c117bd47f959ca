package identity

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// NSSProfile is an NSS database directory the importer can write to.
type NSSProfile struct {
	Dir   string
	Label string
}

// NSSLibraryEnv names the environment variables checked, in order, for an
// explicit NSS softoken path.
var NSSLibraryEnv = []string{"P12REKEY_NSS_LIB", "NSS_LIB_PATH"}

// FindNSSLibrary returns the first NSS softoken library found, or "".
func FindNSSLibrary() string {
	for _, name := range NSSLibraryEnv {
		if p := os.Getenv(name); p != "" && fileExists(p) {
			return p
		}
	}
	home, _ := os.UserHomeDir()
	for _, dir := range mozillaProfileDirs(mozillaBaseDirs(home, runtime.GOOS)) {
		if p := libraryFromCompatibility(dir); p != "" {
			return p
		}
	}
	for _, p := range knownNSSLibraries(runtime.GOOS) {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// NSSProfiles lists the NSS databases of the current user: the shared
// ~/.pki/nssdb first, then Mozilla profiles with the active one leading.
func NSSProfiles() []NSSProfile {
	home, _ := os.UserHomeDir()
	return nssProfilesUnder(home, runtime.GOOS)
}

func nssProfilesUnder(home, goos string) []NSSProfile {
	var out []NSSProfile
	seen := make(map[string]struct{})
	add := func(dir, label string) {
		dir = filepath.Clean(dir)
		if _, ok := seen[dir]; ok || !fileExists(filepath.Join(dir, "cert9.db")) {
			return
		}
		seen[dir] = struct{}{}
		out = append(out, NSSProfile{Dir: dir, Label: label})
	}
	add(filepath.Join(home, ".pki", "nssdb"), "nssdb")
	for _, dir := range mozillaProfileDirs(mozillaBaseDirs(home, goos)) {
		add(dir, "mozilla:"+filepath.Base(dir))
	}
	return out
}

func mozillaBaseDirs(home, goos string) []string {
	switch goos {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return []string{
			filepath.Join(appData, "Mozilla", "Firefox"),
			filepath.Join(appData, "Thunderbird"),
		}
	case "darwin":
		support := filepath.Join(home, "Library", "Application Support")
		return []string{
			filepath.Join(support, "Firefox"),
			filepath.Join(support, "Thunderbird"),
		}
	}
	bases := []string{
		filepath.Join(home, ".mozilla", "firefox"),
		filepath.Join(home, "snap", "firefox", "common", ".mozilla", "firefox"),
		filepath.Join(home, ".var", "app", "org.mozilla.firefox", ".mozilla", "firefox"),
		filepath.Join(home, ".librewolf"),
		filepath.Join(home, ".thunderbird"),
	}
	return bases
}

type mozillaProfile struct {
	path      string
	isDefault bool
	modTime   int64
}

// mozillaProfileDirs returns profile directories holding an NSS database,
// install defaults first, then profiles marked Default=1, then newest.
func mozillaProfileDirs(bases []string) []string {
	var ordered []string
	seen := make(map[string]struct{})
	add := func(p string) {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok || !fileExists(filepath.Join(p, "cert9.db")) {
			return
		}
		seen[p] = struct{}{}
		ordered = append(ordered, p)
	}
	for _, base := range bases {
		profiles, installDefaults := parseProfilesINI(filepath.Join(base, "profiles.ini"))
		for _, p := range installDefaults {
			add(p)
		}
		sort.SliceStable(profiles, func(i, j int) bool {
			if profiles[i].isDefault != profiles[j].isDefault {
				return profiles[i].isDefault
			}
			return profiles[i].modTime > profiles[j].modTime
		})
		for _, p := range profiles {
			add(p.path)
		}
	}
	return ordered
}

// parseProfilesINI reads a Mozilla profiles.ini. It returns the [Profile*]
// sections and the absolute paths named by [Install*] Default= keys.
func parseProfilesINI(iniPath string) ([]mozillaProfile, []string) {
	f, err := os.Open(iniPath)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	type rawProfile struct {
		path      string
		relative  bool
		isDefault bool
	}
	base := filepath.Dir(iniPath)
	var (
		order    []string
		profiles = make(map[string]*rawProfile)
		installs []string
		section  string
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(val)
		switch {
		case strings.HasPrefix(section, "profile"):
			p := profiles[section]
			if p == nil {
				p = &rawProfile{relative: true}
				profiles[section] = p
				order = append(order, section)
			}
			switch key {
			case "path":
				p.path = val
			case "isrelative":
				p.relative = val == "1"
			case "default":
				p.isDefault = val == "1"
			}
		case strings.HasPrefix(section, "install") && key == "default" && val != "":
			installs = append(installs, filepath.Join(base, filepath.FromSlash(val)))
		}
	}

	var out []mozillaProfile
	for _, name := range order {
		p := profiles[name]
		if p.path == "" {
			continue
		}
		abs := filepath.FromSlash(p.path)
		if p.relative {
			abs = filepath.Join(base, abs)
		}
		mp := mozillaProfile{path: filepath.Clean(abs), isDefault: p.isDefault}
		if st, err := os.Stat(mp.path); err == nil {
			mp.modTime = st.ModTime().Unix()
		}
		out = append(out, mp)
	}
	return out, installs
}

// libraryFromCompatibility follows LastPlatformDir in a profile's
// compatibility.ini to the browser's own softoken.
func libraryFromCompatibility(profileDir string) string {
	f, err := os.Open(filepath.Join(profileDir, "compatibility.ini"))
	if err != nil {
		return ""
	}
	defer f.Close()
	var platformDir string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "LastPlatformDir="); ok {
			platformDir = strings.TrimSpace(v)
			break
		}
	}
	if platformDir == "" {
		return ""
	}
	for _, name := range []string{"softokn3.dll", "libsoftokn3.dylib", "libsoftokn3.so"} {
		if p := filepath.Join(platformDir, name); fileExists(p) {
			return p
		}
	}
	return ""
}

func knownNSSLibraries(goos string) []string {
	switch goos {
	case "windows":
		var out []string
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)"} {
			if dir := os.Getenv(env); dir != "" {
				out = append(out, filepath.Join(dir, "Mozilla Firefox", "softokn3.dll"))
			}
		}
		return out
	case "darwin":
		return []string{
			"/Applications/Firefox.app/Contents/MacOS/libsoftokn3.dylib",
			"/usr/local/lib/libsoftokn3.dylib",
			"/opt/homebrew/lib/libsoftokn3.dylib",
		}
	}
	return []string{
		"/usr/lib/x86_64-linux-gnu/libsoftokn3.so",
		"/usr/lib/x86_64-linux-gnu/nss/libsoftokn3.so",
		"/usr/lib/aarch64-linux-gnu/libsoftokn3.so",
		"/usr/lib64/libsoftokn3.so",
		"/usr/lib/libsoftokn3.so",
	}
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
