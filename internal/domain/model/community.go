package model

import "time"

// CommunityStatus — статус модерации пользовательской прошивки.
type CommunityStatus string

const (
	// CommunityPending — загружена, ожидает проверки
	CommunityPending CommunityStatus = "pending"
	// CommunityApproved — одобрена (вручную или авто-ревью)
	CommunityApproved CommunityStatus = "approved"
	// CommunityRejected — отклонена с указанием причины
	CommunityRejected CommunityStatus = "rejected"
)

// ReportType — тип жалобы на пользовательскую прошивку.
type ReportType string

const (
	ReportSpam          ReportType = "spam"
	ReportMalware       ReportType = "malware"
	ReportInappropriate ReportType = "inappropriate"
	ReportCopyright     ReportType = "copyright"
	ReportOther         ReportType = "other"
)

// ValidReportType проверяет допустимость типа жалобы.
func ValidReportType(t ReportType) bool {
	switch t {
	case ReportSpam, ReportMalware, ReportInappropriate, ReportCopyright, ReportOther:
		return true
	default:
		return false
	}
}

// Author — идентичность автора пользовательской прошивки.
type Author struct {
	Name   string
	Email  string
	GitHub string
}

// CommunityEntry — пользовательская прошивка в параллельном каталоге.
// Создаётся со статусом pending; переходы статуса — только через
// модерацию (ручную или автоматическую).
type CommunityEntry struct {
	ID          string
	Name        string
	DisplayName string
	Description string
	Version     string
	ChipType    ChipType
	Variant     string

	Author  Author
	License string
	Tags    []string

	LocalPath string
	FileSize  int64
	MD5       string
	SHA256    string

	Features      []string
	Compatibility []string

	Status CommunityStatus
	// ModerationNotes — причина решения модерации (авто или ручной)
	ModerationNotes string

	DownloadCount int64
	Rating        float64
	RatingCount   int64
	ReportCount   int64

	UploadedAt time.Time
	// VerifiedAt/VerifiedBy — кем и когда принято решение модерации
	VerifiedAt *time.Time
	VerifiedBy string
}

// CommunityRating — оценка пользовательской прошивки.
// Append-only: не более одной оценки на пару (прошивка, идентификатор).
type CommunityRating struct {
	ID             int64
	FirmwareID     string
	UserIdentifier string
	// Rating — оценка 1..5
	Rating     int
	ReviewText string
	CreatedAt  time.Time
}

// CommunityReport — жалоба на пользовательскую прошивку. Append-only.
type CommunityReport struct {
	ID                 int64
	FirmwareID         string
	ReporterIdentifier string
	ReportType         ReportType
	Reason             string
	AdditionalInfo     string
	CreatedAt          time.Time
}
