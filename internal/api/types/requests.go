package types

import "encoding/json"

type ProjectCreateRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128"`
}

type DeploymentSubmitRequest struct {
	ArtifactRef string          `json:"artifact_ref" validate:"required,max=256"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type DomainBindRequest struct {
	Hostname  string `json:"hostname" validate:"required,hostname_rfc1123"`
	ProjectID string `json:"project_id" validate:"required,uuid4"`

	// DeploymentID pins the hostname to one deployment when set.
	DeploymentID string `json:"deployment_id" validate:"omitempty,uuid4"`
}
