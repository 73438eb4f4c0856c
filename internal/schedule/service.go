package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// InsertBatchSize bounds the number of rows written per bulk insert.
	InsertBatchSize = 100
	// UpdateGroupSize bounds the number of row updates issued concurrently.
	UpdateGroupSize = 10
)

var (
	errMissingDatabase   = errors.New("schedule: database handle is required")
	errMissingIDProvider = errors.New("schedule: id provider is required")
	// ErrMemberNotFound indicates the member id has no row.
	ErrMemberNotFound = errors.New("schedule: member not found")
	// ErrRecordNotFound indicates the schedule record id has no row.
	ErrRecordNotFound = errors.New("schedule: record not found")
	// ErrSettingsNotFound indicates the member has no sync settings row.
	ErrSettingsNotFound = errors.New("schedule: sync settings not found")
)

// IDProvider issues identifiers for newly created records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the schedule persistence service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the persistence layer for schedule records, projects, members
// and per-member sync settings.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// BatchResult reports the outcome of one insert batch or update group.
// A failed batch carries its error and counts zero successes; callers
// decide whether to continue, and the service never aborts later batches
// because an earlier one failed.
type BatchResult struct {
	Attempted int
	Succeeded int
	Err       error
}

// RecordsInRange returns the member's records whose date falls inside
// [fromDate, toDate], both inclusive ISO dates.
func (s *Service) RecordsInRange(ctx context.Context, memberID, fromDate, toDate string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("member_id = ? AND date >= ? AND date <= ?", memberID, fromDate, toDate).
		Order("date").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RecordByID loads a single schedule record.
func (s *Service) RecordByID(ctx context.Context, recordID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// CreateRecords inserts records in sequential batches of InsertBatchSize.
// Records without an id are assigned one. A failing batch is reported in its
// BatchResult and the remaining batches are still attempted.
func (s *Service) CreateRecords(ctx context.Context, records []Record) []BatchResult {
	for i := range records {
		if records[i].ID != "" {
			continue
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logger.Error("record id generation failed", zap.Error(err))
			return []BatchResult{{Attempted: len(records), Err: err}}
		}
		records[i].ID = id
	}

	results := make([]BatchResult, 0, (len(records)+InsertBatchSize-1)/InsertBatchSize)
	for start := 0; start < len(records); start += InsertBatchSize {
		end := start + InsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		result := BatchResult{Attempted: len(batch)}
		if err := s.db.WithContext(ctx).Create(&batch).Error; err != nil {
			result.Err = err
			s.logger.Warn("record insert batch failed",
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
		} else {
			result.Succeeded = len(batch)
		}
		results = append(results, result)
	}
	return results
}

// UpdateRecords applies record updates in sequential groups of
// UpdateGroupSize. Updates inside a group are issued concurrently; the group
// completes before the next one starts. Individual failures are counted in
// the group's BatchResult without stopping later groups.
func (s *Service) UpdateRecords(ctx context.Context, records []Record) []BatchResult {
	results := make([]BatchResult, 0, (len(records)+UpdateGroupSize-1)/UpdateGroupSize)
	for start := 0; start < len(records); start += UpdateGroupSize {
		end := start + UpdateGroupSize
		if end > len(records) {
			end = len(records)
		}
		group := records[start:end]

		groupErrs := make([]error, len(group))
		var wg sync.WaitGroup
		for i := range group {
			wg.Add(1)
			go func(index int, record Record) {
				defer wg.Done()
				groupErrs[index] = s.updateRecord(ctx, record)
			}(i, group[i])
		}
		wg.Wait()

		result := BatchResult{Attempted: len(group)}
		for _, err := range groupErrs {
			if err == nil {
				result.Succeeded++
				continue
			}
			if result.Err == nil {
				result.Err = err
			}
			s.logger.Warn("record update failed", zap.Error(err))
		}
		results = append(results, result)
	}
	return results
}

func (s *Service) updateRecord(ctx context.Context, record Record) error {
	return s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"project_id":   record.ProjectID,
			"date":         record.Date,
			"start_time":   record.StartTime,
			"end_time":     record.EndTime,
			"minutes":      record.Minutes,
			"description":  record.Description,
			"is_read_only": record.IsReadOnly,
			"updated_at":   s.clock().UTC(),
		}).Error
}

// DeleteRecords removes all listed record ids in one bulk statement and
// returns the number of rows deleted.
func (s *Service) DeleteRecords(ctx context.Context, recordIDs []string) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("id IN ?", recordIDs).Delete(&Record{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// SetRecordExternalID stores the correlation id assigned by the external
// calendar onto an existing record.
func (s *Service) SetRecordExternalID(ctx context.Context, recordID, externalEventID string) error {
	return s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"external_event_id": externalEventID,
			"updated_at":        s.clock().UTC(),
		}).Error
}

// MemberOrg resolves the organization a member belongs to.
func (s *Service) MemberOrg(ctx context.Context, memberID string) (string, error) {
	var member Member
	err := s.db.WithContext(ctx).Where("id = ?", memberID).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrMemberNotFound
	}
	if err != nil {
		return "", err
	}
	return member.OrgID, nil
}

// ProjectNameIndex returns a project-name to project-id lookup for an
// organization.
func (s *Service) ProjectNameIndex(ctx context.Context, orgID string) (map[string]string, error) {
	var projects []Project
	if err := s.db.WithContext(ctx).Where("org_id = ?", orgID).Find(&projects).Error; err != nil {
		return nil, err
	}
	index := make(map[string]string, len(projects))
	for _, project := range projects {
		index[project.Name] = project.ID
	}
	return index, nil
}

// ProjectName resolves a project's display name; unknown ids yield an empty
// name rather than an error.
func (s *Service) ProjectName(ctx context.Context, projectID string) (string, error) {
	if projectID == "" {
		return "", nil
	}
	var project Project
	err := s.db.WithContext(ctx).Where("id = ?", projectID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return project.Name, nil
}

// SettingsForMember loads the member's sync settings.
func (s *Service) SettingsForMember(ctx context.Context, memberID string) (SyncSettings, error) {
	var settings SyncSettings
	err := s.db.WithContext(ctx).Where("member_id = ?", memberID).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncSettings{}, ErrSettingsNotFound
	}
	if err != nil {
		return SyncSettings{}, err
	}
	return settings, nil
}

// UpsertSettings creates or replaces the member's sync settings row.
func (s *Service) UpsertSettings(ctx context.Context, settings SyncSettings) error {
	settings.UpdatedAt = s.clock().UTC()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}},
			UpdateAll: true,
		}).
		Create(&settings).Error
}

// TouchLastSync advances the member's last successful sync timestamp.
func (s *Service) TouchLastSync(ctx context.Context, memberID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&SyncSettings{}).
		Where("member_id = ?", memberID).
		Updates(map[string]interface{}{
			"last_sync_at": at.UTC(),
			"updated_at":   s.clock().UTC(),
		}).Error
}
