// Package detect classifies a project's file manifest into a technology with
// a base image, install/start commands, and a default port. Detection is a
// pure function: ordered heuristics over file names and manifest contents,
// falling back to a generic static technology rather than failing.
package detect

import "strings"

// Technology describes how to containerize one kind of project.
type Technology struct {
	Name           string `yaml:"name"`
	Image          string `yaml:"image"`
	InstallCommand string `yaml:"install_command"`
	StartCommand   string `yaml:"start_command"`
	DefaultPort    int    `yaml:"default_port"`
}

// technologies is the lookup table keyed by technology name.
var technologies = map[string]Technology{
	"nextjs": {
		Name:           "nextjs",
		Image:          "node:20-alpine",
		InstallCommand: "npm install",
		StartCommand:   "npm run dev -- --hostname 0.0.0.0",
		DefaultPort:    3000,
	},
	"react": {
		Name:           "react",
		Image:          "node:20-alpine",
		InstallCommand: "npm install",
		StartCommand:   "npm start",
		DefaultPort:    3000,
	},
	"vite": {
		Name:           "vite",
		Image:          "node:20-alpine",
		InstallCommand: "npm install",
		StartCommand:   "npm run dev -- --host 0.0.0.0",
		DefaultPort:    5173,
	},
	"vue": {
		Name:           "vue",
		Image:          "node:20-alpine",
		InstallCommand: "npm install",
		StartCommand:   "npm run serve",
		DefaultPort:    8080,
	},
	"angular": {
		Name:           "angular",
		Image:          "node:20-alpine",
		InstallCommand: "npm install",
		StartCommand:   "npm start -- --host 0.0.0.0",
		DefaultPort:    4200,
	},
	"express": {
		Name:           "express",
		Image:          "node:20-alpine",
		InstallCommand: "npm install",
		StartCommand:   "npm start",
		DefaultPort:    3000,
	},
	"node": {
		Name:           "node",
		Image:          "node:20-alpine",
		InstallCommand: "npm install",
		StartCommand:   "npm start",
		DefaultPort:    3000,
	},
	"flask": {
		Name:           "flask",
		Image:          "python:3.11-slim",
		InstallCommand: "pip install -r requirements.txt",
		StartCommand:   "python app.py",
		DefaultPort:    5000,
	},
	"fastapi": {
		Name:           "fastapi",
		Image:          "python:3.11-slim",
		InstallCommand: "pip install -r requirements.txt",
		StartCommand:   "uvicorn main:app --host 0.0.0.0 --port 8000",
		DefaultPort:    8000,
	},
	"django": {
		Name:           "django",
		Image:          "python:3.11-slim",
		InstallCommand: "pip install -r requirements.txt",
		StartCommand:   "python manage.py runserver 0.0.0.0:8000",
		DefaultPort:    8000,
	},
	"python": {
		Name:           "python",
		Image:          "python:3.11-slim",
		InstallCommand: "pip install -r requirements.txt",
		StartCommand:   "python main.py",
		DefaultPort:    8000,
	},
	"go": {
		Name:           "go",
		Image:          "golang:1.22-alpine",
		InstallCommand: "go mod download",
		StartCommand:   "go run .",
		DefaultPort:    8080,
	},
	"static": {
		Name:         "static",
		Image:        "nginx:alpine",
		StartCommand: "nginx -g 'daemon off;'",
		DefaultPort:  80,
	},
}

// Lookup returns the technology definition for a name. Unknown names fall
// back to the static technology.
func Lookup(name string) Technology {
	if t, ok := technologies[name]; ok {
		return t
	}
	return technologies["static"]
}

// Register adds or overrides a technology definition. Used by the config
// layer to apply per-deployment overrides.
func Register(t Technology) {
	if t.Name == "" {
		return
	}
	technologies[t.Name] = t
}

// Detect classifies a file manifest. Keys are paths relative to the project
// root; values are file contents (empty content means presence-only).
func Detect(files map[string]string) Technology {
	has := func(name string) bool {
		_, ok := files[name]
		return ok
	}
	contains := func(name, substr string) bool {
		return strings.Contains(strings.ToLower(files[name]), substr)
	}

	// Specific config files first: unambiguous markers win over manifests.
	switch {
	case has("next.config.js"), has("next.config.mjs"), has("next.config.ts"):
		return technologies["nextjs"]
	case has("vite.config.js"), has("vite.config.ts"):
		return technologies["vite"]
	case has("angular.json"):
		return technologies["angular"]
	case has("vue.config.js"):
		return technologies["vue"]
	case has("manage.py"):
		return technologies["django"]
	}

	// Manifest dependency inspection.
	if has("package.json") {
		switch {
		case contains("package.json", `"next"`):
			return technologies["nextjs"]
		case contains("package.json", `"vue"`):
			return technologies["vue"]
		case contains("package.json", `"@angular/core"`):
			return technologies["angular"]
		case contains("package.json", `"react"`):
			return technologies["react"]
		case contains("package.json", `"express"`):
			return technologies["express"]
		}
		return technologies["node"]
	}

	if has("requirements.txt") {
		switch {
		case contains("requirements.txt", "flask"):
			return technologies["flask"]
		case contains("requirements.txt", "fastapi"):
			return technologies["fastapi"]
		case contains("requirements.txt", "django"):
			return technologies["django"]
		}
		return technologies["python"]
	}

	if has("go.mod") {
		return technologies["go"]
	}
	if has("app.py") || has("main.py") {
		return technologies["python"]
	}

	// Fallback: serve whatever is there as static content.
	return technologies["static"]
}
