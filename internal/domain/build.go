package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// GoBuild describes a downloadable build package as served by GET /go/{id}.
type GoBuild struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId"`
	ProjectID  string          `json:"projectId"`
	Platform   string          `json:"platform"`
	BuildType  string          `json:"buildType"`
	Details    json.RawMessage `json:"details,omitempty"`
	URL        string          `json:"url"`
	IsFound    *bool           `json:"isFound,omitempty"`
	Checksum   string          `json:"checksum,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	JobDetails JobDetails      `json:"jobDetails"`
	Project    Project         `json:"project"`
}

// JobDetails carries the engine and version metadata of the job that produced a build.
type JobDetails struct {
	BuildNumber       int    `json:"buildNumber"`
	SemanticVersion   string `json:"semanticVersion"`
	GameEngine        string `json:"gameEngine"`
	GameEngineVersion string `json:"gameEngineVersion"`
	GitCommitHash     string `json:"gitCommitHash,omitempty"`
	GitBranch         string `json:"gitBranch,omitempty"`
	ZipFileMD5        string `json:"zipFileMd5,omitempty"`
	SkipPublish       *bool  `json:"skipPublish,omitempty"`
	Verbose           *bool  `json:"verbose,omitempty"`
}

// Project is the owning project of a build.
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Details   ProjectDetails `json:"details"`
}

// ProjectDetails holds optional project-level settings.
type ProjectDetails struct {
	GameEngine            string `json:"gameEngine,omitempty"`
	GameEngineVersion     string `json:"gameEngineVersion,omitempty"`
	IOSBundleID           string `json:"iosBundleId,omitempty"`
	AndroidPackageName    string `json:"androidPackageName,omitempty"`
	BuildNumber           *int   `json:"buildNumber,omitempty"`
	SemanticVersion       string `json:"semanticVersion,omitempty"`
	GCPProjectID          string `json:"gcpProjectId,omitempty"`
	GCPServiceAccountID   string `json:"gcpServiceAccountId,omitempty"`
	GooglePlayDeveloperID string `json:"googlePlayDeveloperId,omitempty"`
}

// EngineVersion returns the engine version recorded on the job, falling back
// to the project setting.
func (b GoBuild) EngineVersion() string {
	if v := strings.TrimSpace(b.JobDetails.GameEngineVersion); v != "" {
		return v
	}
	return strings.TrimSpace(b.Project.Details.GameEngineVersion)
}

// IntegrityHint returns the "<algo>:<hex>" digest expected for the package,
// or "" when the descriptor carries none.
func (b GoBuild) IntegrityHint() string {
	if c := strings.TrimSpace(b.Checksum); c != "" {
		return c
	}
	if md5 := strings.TrimSpace(b.JobDetails.ZipFileMD5); md5 != "" {
		return "md5:" + strings.ToLower(md5)
	}
	return ""
}

// DisplayName is the name shown for a build in launch messages.
func (b GoBuild) DisplayName() string {
	if n := strings.TrimSpace(b.Project.Name); n != "" {
		return n
	}
	return b.ID
}
