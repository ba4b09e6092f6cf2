package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dvaper/proxmox-commander/internal/domain"
)

const vmColumns = `name, vmid, node, cores, memory_mib, disk_gib, vlan, ip_address,
	ansible_group, frontend_url, description, template_id, storage, status, owner,
	created_at, updated_at`

// InsertVM creates a VM configuration row. A second row for the same name
// yields ErrDuplicate; a second row for the same address ErrDuplicateIP.
func (s *Store) InsertVM(ctx context.Context, vm *domain.VMConfig) error {
	now := s.now()
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = now
	}
	vm.UpdatedAt = now
	if vm.Status == "" {
		vm.Status = domain.VMStatusPlanned
	}

	_, err := s.exec(ctx, s.db, `INSERT INTO vm_configs (`+vmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.Name, vm.VMID, vm.Node, vm.Cores, vm.MemoryMiB, vm.DiskGiB, vm.VLAN, vm.IPAddress,
		vm.AnsibleGroup, vm.FrontendURL, vm.Description, vm.TemplateID, vm.Storage,
		string(vm.Status), vm.Owner, toMicros(vm.CreatedAt), toMicros(vm.UpdatedAt))
	if err != nil {
		return mapInsertError(err, "vm config")
	}
	return nil
}

// GetVM loads one configuration by name.
func (s *Store) GetVM(ctx context.Context, name string) (*domain.VMConfig, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+vmColumns+` FROM vm_configs WHERE name = ?`, name)
	vm, err := scanVM(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vm config: %w", err)
	}
	return vm, nil
}

// FindVMByIP returns the configuration owning ip, or ErrNotFound.
func (s *Store) FindVMByIP(ctx context.Context, ip string) (*domain.VMConfig, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+vmColumns+` FROM vm_configs WHERE ip_address = ?`, ip)
	vm, err := scanVM(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find vm config by ip: %w", err)
	}
	return vm, nil
}

// ListVMs returns all configurations ordered by name.
func (s *Store) ListVMs(ctx context.Context) ([]*domain.VMConfig, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+vmColumns+` FROM vm_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vm configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.VMConfig
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vm config: %w", err)
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

// ListVMsByStatus returns configurations in one lifecycle status.
func (s *Store) ListVMsByStatus(ctx context.Context, status domain.VMStatus) ([]*domain.VMConfig, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+vmColumns+` FROM vm_configs WHERE status = ? ORDER BY name`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list vm configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.VMConfig
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vm config: %w", err)
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

// UpdateVM rewrites every mutable column of an existing configuration.
func (s *Store) UpdateVM(ctx context.Context, vm *domain.VMConfig) error {
	vm.UpdatedAt = s.now()
	res, err := s.exec(ctx, s.db, `UPDATE vm_configs SET
		vmid = ?, node = ?, cores = ?, memory_mib = ?, disk_gib = ?, vlan = ?, ip_address = ?,
		ansible_group = ?, frontend_url = ?, description = ?, template_id = ?, storage = ?,
		status = ?, owner = ?, updated_at = ?
		WHERE name = ?`,
		vm.VMID, vm.Node, vm.Cores, vm.MemoryMiB, vm.DiskGiB, vm.VLAN, vm.IPAddress,
		vm.AnsibleGroup, vm.FrontendURL, vm.Description, vm.TemplateID, vm.Storage,
		string(vm.Status), vm.Owner, toMicros(vm.UpdatedAt), vm.Name)
	if err != nil {
		return mapInsertError(err, "vm config")
	}
	return requireAffected(res)
}

// UpdateVMStatus sets the lifecycle status of one configuration.
func (s *Store) UpdateVMStatus(ctx context.Context, name string, status domain.VMStatus) error {
	res, err := s.exec(ctx, s.db, `UPDATE vm_configs SET status = ?, updated_at = ? WHERE name = ?`,
		string(status), toMicros(s.now()), name)
	if err != nil {
		return fmt.Errorf("failed to update vm status: %w", err)
	}
	return requireAffected(res)
}

// UpdateVMNode records a new hypervisor node after migration.
func (s *Store) UpdateVMNode(ctx context.Context, name, node string) error {
	res, err := s.exec(ctx, s.db, `UPDATE vm_configs SET node = ?, updated_at = ? WHERE name = ?`,
		node, toMicros(s.now()), name)
	if err != nil {
		return fmt.Errorf("failed to update vm node: %w", err)
	}
	return requireAffected(res)
}

// DeleteVM removes a configuration row.
func (s *Store) DeleteVM(ctx context.Context, name string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM vm_configs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete vm config: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVM(row rowScanner) (*domain.VMConfig, error) {
	var (
		vm                   domain.VMConfig
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&vm.Name, &vm.VMID, &vm.Node, &vm.Cores, &vm.MemoryMiB, &vm.DiskGiB, &vm.VLAN,
		&vm.IPAddress, &vm.AnsibleGroup, &vm.FrontendURL, &vm.Description, &vm.TemplateID,
		&vm.Storage, &status, &vm.Owner, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	vm.Status = domain.VMStatus(status)
	vm.CreatedAt = fromMicros(createdAt)
	vm.UpdatedAt = fromMicros(updatedAt)
	return &vm, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapInsertError(err error, what string) error {
	if unique, onIP := isUniqueViolation(err); unique {
		if onIP {
			return fmt.Errorf("%s: %w", what, ErrDuplicateIP)
		}
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("failed to write %s: %w", what, err)
}
