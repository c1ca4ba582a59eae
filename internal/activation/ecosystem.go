package activation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// App is one entry of a pm2 ecosystem file.
type App struct {
	Name   string `json:"name"`
	Script string `json:"script"`
	Env    AppEnv `json:"env"`
}

// AppEnv is the environment block pm2 passes to the application.
type AppEnv struct {
	NodeEnv string `json:"NODE_ENV"`
	Port    int    `json:"PORT"`
}

// RenderEcosystem returns the JavaScript module pm2 loads.
func RenderEcosystem(apps ...App) ([]byte, error) {
	data, err := json.MarshalIndent(apps, "  ", "  ")
	if err != nil {
		return nil, fmt.Errorf("rendering ecosystem config: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("module.exports = {\n  apps: ")
	buf.Write(data)
	buf.WriteString("\n};\n")
	return buf.Bytes(), nil
}

// WriteEcosystem renders apps to path.
func WriteEcosystem(path string, apps ...App) error {
	data, err := RenderEcosystem(apps...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
