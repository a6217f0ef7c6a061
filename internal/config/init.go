package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"foiatool/internal/store/sqlite"
	"foiatool/lib/sqliteutil"

	"github.com/pelletier/go-toml/v2"
)

var ErrProjectExists = errors.New("project already exists")

const defaultHeader = `# foiatool project configuration.
#
# Every [[request_config]] entry is a NextRequest portal that will be polled by "foiatool run".
# Credentials can be kept out of this file by putting them in config.local.toml, which is
# merged on top of it.

`

// DefaultConfig is the config written by InitProject.
func DefaultConfig() Config {
	nice := DefaultDownloadNiceSeconds
	timeout := DefaultDownloadTimeoutSeconds
	closed := true
	return Config{
		DbPath:       DatabaseFileName,
		DownloadPath: DownloadsDirName,
		Store: Store{
			Backend: BackendSQLite,
		},
		Sites: []Site{
			{
				URL:                    "https://example.nextrequest.com",
				User:                   "you@example.com",
				Password:               "",
				SearchTerms:            []string{"police"},
				DocumentSearchTerms:    []string{},
				IgnoreIDs:              []string{},
				DownloadNiceSeconds:    &nice,
				DownloadTimeoutSeconds: &timeout,
				OnCollision:            CollisionSuffix,
				Closed:                 &closed,
			},
		},
	}
}

// InitProject creates a project directory under `dir` containing a default config, an empty
// database and the downloads directory. It returns the path of the project directory.
func InitProject(dir string, force bool) (string, error) {
	projectDir := filepath.Join(dir, ProjectDirName)
	configPath := filepath.Join(projectDir, ConfigFileName)

	_, err := os.Stat(configPath)
	if err == nil && !force {
		return "", fmt.Errorf("init %s: %w", projectDir, ErrProjectExists)
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("init %s: %w", projectDir, err)
	}

	err = os.MkdirAll(filepath.Join(projectDir, DownloadsDirName), 0777)
	if err != nil {
		return "", fmt.Errorf("init %s: %w", projectDir, err)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	encoder := toml.NewEncoder(&buf)
	encoder.SetIndentTables(true)
	err = encoder.Encode(DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("init %s: encode config: %w", projectDir, err)
	}
	err = os.WriteFile(configPath, buf.Bytes(), 0600)
	if err != nil {
		return "", fmt.Errorf("init %s: %w", projectDir, err)
	}

	db, err := sqliteutil.OpenDB(sqlite.Schema, filepath.Join(projectDir, DatabaseFileName))
	if err != nil {
		return "", fmt.Errorf("init %s: %w", projectDir, err)
	}
	err = db.Close()
	if err != nil {
		return "", fmt.Errorf("init %s: %w", projectDir, err)
	}

	return projectDir, nil
}
