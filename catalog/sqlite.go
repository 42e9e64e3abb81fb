package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tapes (
		tapeid TEXT NOT NULL PRIMARY KEY,
		groupname TEXT NOT NULL,
		totalsize TEXT NOT NULL DEFAULT '',
		usedsize TEXT NOT NULL DEFAULT '',
		availablesize TEXT NOT NULL DEFAULT '',
		usagepercentage REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		updated INTEGER NOT NULL DEFAULT 0)`,
	`CREATE INDEX IF NOT EXISTS tapes_group ON tapes (groupname, usagepercentage)`,
	`CREATE TABLE IF NOT EXISTS uploads (
		fileid TEXT NOT NULL PRIMARY KEY,
		filename TEXT NOT NULL,
		filesize TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL,
		useremail TEXT NOT NULL DEFAULT '',
		groupname TEXT NOT NULL,
		status TEXT NOT NULL,
		tapeid TEXT NOT NULL DEFAULT '',
		tapelocation TEXT NOT NULL DEFAULT '',
		cachelocation TEXT NOT NULL DEFAULT '',
		iscached BOOL NOT NULL DEFAULT false,
		error TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		requestid TEXT NOT NULL PRIMARY KEY,
		fileid TEXT NOT NULL,
		filename TEXT NOT NULL,
		username TEXT NOT NULL,
		useremail TEXT NOT NULL DEFAULT '',
		groupname TEXT NOT NULL,
		status TEXT NOT NULL,
		servedfrom TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS hosts (
		groupname TEXT NOT NULL,
		alias TEXT NOT NULL,
		address TEXT NOT NULL,
		PRIMARY KEY (groupname, alias))`,
}

// SQLiteStore keeps the catalog in a single sqlite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the catalog database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "could not open db %s", path)
	}
	// one writer at a time; sqlite serialises anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "could not create catalog schema")
		}
	}
	log.WithField("path", path).Debug("catalog opened")
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// DB exposes the handle so the job queue can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UPLOADS

const uploadColumns = `fileid, filename, filesize, username, useremail, groupname, status, tapeid, tapelocation, cachelocation, iscached, error, created, updated`

func scanUpload(row interface{ Scan(...any) error }) (*UploadRecord, error) {
	var rec UploadRecord
	var status string
	var created, updated int64
	err := row.Scan(&rec.FileID, &rec.FileName, &rec.FileSize, &rec.UserName, &rec.UserEmail, &rec.GroupName,
		&status, &rec.TapeID, &rec.TapeLocation, &rec.CacheLocation, &rec.IsCached, &rec.Error, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read upload record")
	}
	rec.Status = UploadStatus(status)
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, fileID string) (*UploadRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE fileid = ?", fileID)
	return scanUpload(row)
}

// SaveUpload inserts or replaces the whole record.
func (s *SQLiteStore) SaveUpload(ctx context.Context, rec *UploadRecord) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = UploadQueueing
	}
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO uploads ("+uploadColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		rec.FileID, rec.FileName, rec.FileSize, rec.UserName, rec.UserEmail, rec.GroupName, string(rec.Status),
		rec.TapeID, rec.TapeLocation, rec.CacheLocation, rec.IsCached, rec.Error, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	return errors.Wrapf(err, "could not save upload %s", rec.FileID)
}

func (s *SQLiteStore) SetUploadStatus(ctx context.Context, fileID string, status UploadStatus, errMsg string) error {
	rec, err := s.GetUpload(ctx, fileID)
	if err != nil {
		return err
	}
	if !uploadForward(rec.Status, status) {
		return errors.Wrapf(ErrStatusRegression, "upload %s: %s -> %s", fileID, rec.Status, status)
	}
	_, err = s.db.ExecContext(ctx, "UPDATE uploads SET status = ?, error = ?, updated = ? WHERE fileid = ?",
		string(status), errMsg, s.now().UnixNano(), fileID)
	return errors.Wrapf(err, "could not update upload %s", fileID)
}

func (s *SQLiteStore) CompleteUpload(ctx context.Context, fileID, tapeID, tapeLocation string) error {
	rec, err := s.GetUpload(ctx, fileID)
	if err != nil {
		return err
	}
	if !uploadForward(rec.Status, UploadCompleted) {
		return errors.Wrapf(ErrStatusRegression, "upload %s: %s -> %s", fileID, rec.Status, UploadCompleted)
	}
	_, err = s.db.ExecContext(ctx, "UPDATE uploads SET status = ?, tapeid = ?, tapelocation = ?, error = '', updated = ? WHERE fileid = ?",
		string(UploadCompleted), tapeID, tapeLocation, s.now().UnixNano(), fileID)
	return errors.Wrapf(err, "could not complete upload %s", fileID)
}

func (s *SQLiteStore) SetCacheLocation(ctx context.Context, fileID, cacheLocation string, cached bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE uploads SET cachelocation = ?, iscached = ?, updated = ? WHERE fileid = ?",
		cacheLocation, cached, s.now().UnixNano(), fileID)
	if err != nil {
		return errors.Wrapf(err, "could not update cache location of %s", fileID)
	}
	return requireRow(res, fileID)
}

// UncacheByLocation clears the cached flag of every upload whose cache copy
// was at cacheLocation or is a directory holding it.
func (s *SQLiteStore) UncacheByLocation(ctx context.Context, cacheLocation string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE uploads SET iscached = false, updated = ?
		WHERE iscached AND cachelocation != ''
		AND (cachelocation = ? OR substr(?, 1, length(cachelocation) + 1) = cachelocation || '/')`,
		s.now().UnixNano(), cacheLocation, cacheLocation)
	return errors.Wrapf(err, "could not uncache %s", cacheLocation)
}

// DOWNLOAD REQUESTS

const downloadColumns = `requestid, fileid, filename, username, useremail, groupname, status, servedfrom, error, created, updated`

func (s *SQLiteStore) GetDownloadRequest(ctx context.Context, requestID string) (*DownloadRequest, error) {
	var req DownloadRequest
	var status, served string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE requestid = ?", requestID).Scan(
		&req.RequestID, &req.FileID, &req.FileName, &req.UserName, &req.UserEmail, &req.GroupName,
		&status, &served, &req.Error, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read download request")
	}
	req.Status = RequestStatus(status)
	req.ServedFrom = ServedFrom(served)
	req.CreatedAt = time.Unix(0, created)
	req.UpdatedAt = time.Unix(0, updated)
	return &req, nil
}

func (s *SQLiteStore) SaveDownloadRequest(ctx context.Context, req *DownloadRequest) error {
	now := s.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = RequestRequested
	}
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO downloads ("+downloadColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?)",
		req.RequestID, req.FileID, req.FileName, req.UserName, req.UserEmail, req.GroupName,
		string(req.Status), string(req.ServedFrom), req.Error, req.CreatedAt.UnixNano(), req.UpdatedAt.UnixNano())
	return errors.Wrapf(err, "could not save download request %s", req.RequestID)
}

func (s *SQLiteStore) SetDownloadStatus(ctx context.Context, requestID string, status RequestStatus, servedFrom ServedFrom, errMsg string) error {
	req, err := s.GetDownloadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !requestForward(req.Status, status) {
		return errors.Wrapf(ErrStatusRegression, "download %s: %s -> %s", requestID, req.Status, status)
	}
	if servedFrom == "" {
		servedFrom = req.ServedFrom
	}
	_, err = s.db.ExecContext(ctx, "UPDATE downloads SET status = ?, servedfrom = ?, error = ?, updated = ? WHERE requestid = ?",
		string(status), string(servedFrom), errMsg, s.now().UnixNano(), requestID)
	return errors.Wrapf(err, "could not update download request %s", requestID)
}

// TAPES

const tapeColumns = `tapeid, groupname, totalsize, usedsize, availablesize, usagepercentage, status, updated`

func scanTape(row interface{ Scan(...any) error }) (*TapeRecord, error) {
	var tape TapeRecord
	var updated int64
	err := row.Scan(&tape.TapeID, &tape.GroupName, &tape.TotalSize, &tape.UsedSize, &tape.AvailableSize,
		&tape.UsagePercentage, &tape.Status, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read tape record")
	}
	tape.UpdatedAt = time.Unix(0, updated)
	return &tape, nil
}

func (s *SQLiteStore) GetTape(ctx context.Context, tapeID string) (*TapeRecord, error) {
	return scanTape(s.db.QueryRowContext(ctx, "SELECT "+tapeColumns+" FROM tapes WHERE tapeid = ?", tapeID))
}

// GroupTapes lists a group's tapes least used first; equal usage keeps the
// order the tapes were registered in.
func (s *SQLiteStore) GroupTapes(ctx context.Context, group string) ([]TapeRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+tapeColumns+" FROM tapes WHERE groupname = ? ORDER BY usagepercentage ASC, rowid ASC", group)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list tapes of group %s", group)
	}
	defer rows.Close()
	var tapes []TapeRecord
	for rows.Next() {
		tape, err := scanTape(rows)
		if err != nil {
			return nil, err
		}
		tapes = append(tapes, *tape)
	}
	return tapes, errors.Wrap(rows.Err(), "could not list tapes")
}

func (s *SQLiteStore) SaveTape(ctx context.Context, tape *TapeRecord) error {
	if tape.Status == "" {
		tape.Status = "active"
	}
	tape.UpdatedAt = s.now()
	// upsert keeps the rowid so the registration order survives
	_, err := s.db.ExecContext(ctx, `INSERT INTO tapes (`+tapeColumns+`) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(tapeid) DO UPDATE SET groupname = excluded.groupname, totalsize = excluded.totalsize,
		usedsize = excluded.usedsize, availablesize = excluded.availablesize,
		usagepercentage = excluded.usagepercentage, status = excluded.status, updated = excluded.updated`,
		tape.TapeID, tape.GroupName, tape.TotalSize, tape.UsedSize, tape.AvailableSize, tape.UsagePercentage,
		tape.Status, tape.UpdatedAt.UnixNano())
	return errors.Wrapf(err, "could not save tape %s", tape.TapeID)
}

func (s *SQLiteStore) SetTapeUsage(ctx context.Context, tapeID, total, used, available string, percentage float64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tapes SET totalsize = ?, usedsize = ?, availablesize = ?, usagepercentage = ?, updated = ? WHERE tapeid = ?",
		total, used, available, percentage, s.now().UnixNano(), tapeID)
	if err != nil {
		return errors.Wrapf(err, "could not update usage of tape %s", tapeID)
	}
	return requireRow(res, tapeID)
}

// HOSTS

func (s *SQLiteStore) LookupHost(ctx context.Context, group, alias string) (string, error) {
	var address string
	err := s.db.QueryRowContext(ctx, "SELECT address FROM hosts WHERE groupname = ? AND alias = ?", group, alias).Scan(&address)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(ErrNotFound, "host %s of group %s", alias, group)
	}
	return address, errors.Wrap(err, "could not look up host")
}

func (s *SQLiteStore) SaveHost(ctx context.Context, host Host) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO hosts (groupname, alias, address) VALUES (?,?,?)",
		host.GroupName, host.Alias, host.Address)
	return errors.Wrapf(err, "could not save host %s", host.Alias)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, id)
	}
	return nil
}
