package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/deploybay/engine/internal/models"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DomainRepository interface {
	// Bind creates a hostname binding. Hostnames are unique; rebinding an
	// existing hostname to a different project is a conflict.
	Bind(ctx context.Context, binding *models.DomainBinding) error
	Unbind(ctx context.Context, hostname string) error
	Resolve(ctx context.Context, hostname string, dest *models.DomainBinding) error
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DomainBinding, error)
}

type domainRepository struct {
	db *gorm.DB
}

func NewDomainRepository(db *gorm.DB) DomainRepository {
	return &domainRepository{db: db}
}

// NormalizeHostname lowercases a hostname and strips any port suffix so that
// Host header values and stored bindings compare equal.
func NormalizeHostname(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

func (r *domainRepository) Bind(ctx context.Context, binding *models.DomainBinding) error {
	binding.Hostname = NormalizeHostname(binding.Hostname)
	if binding.Hostname == "" {
		return appErr.New(appErr.CodeInvalid, "hostname is required")
	}
	if err := r.db.WithContext(ctx).Create(binding).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return appErr.New(appErr.CodeAlreadyExists, "hostname already bound")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "bind hostname failed")
	}
	return nil
}

func (r *domainRepository) Unbind(ctx context.Context, hostname string) error {
	res := r.db.WithContext(ctx).Where("hostname = ?", NormalizeHostname(hostname)).Delete(&models.DomainBinding{})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "unbind hostname failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "hostname not bound")
	}
	return nil
}

func (r *domainRepository) Resolve(ctx context.Context, hostname string, dest *models.DomainBinding) error {
	if err := r.db.WithContext(ctx).First(dest, "hostname = ?", NormalizeHostname(hostname)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "hostname not bound")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "resolve hostname failed")
	}
	return nil
}

func (r *domainRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DomainBinding, error) {
	var out []models.DomainBinding
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("hostname").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list bindings failed")
	}
	return out, nil
}
