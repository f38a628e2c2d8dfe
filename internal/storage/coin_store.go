package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go-certscraper/pkg/models"
)

// CoinStore keeps one row per certificate number in the coins table.
type CoinStore struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *CoinStore {
	return &CoinStore{db: db, dialect: dialect}
}

func (s *CoinStore) Dialect() Dialect { return s.dialect }

// Ping checks the database is reachable.
func (s *CoinStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *CoinStore) Close() error { return s.db.Close() }

const coinColumns = `cert_number, pcgs_number, grade, date_mintmark, denomination, variety, region, security,
	holder_type, price_guide_value, population, pop_higher, mintage, image_url, local_image_path, created_at, updated_at`

const upsertCoin = `
	INSERT INTO coins (` + coinColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (cert_number) DO UPDATE SET
		pcgs_number       = excluded.pcgs_number,
		grade             = excluded.grade,
		date_mintmark     = excluded.date_mintmark,
		denomination      = excluded.denomination,
		variety           = excluded.variety,
		region            = excluded.region,
		security          = excluded.security,
		holder_type       = excluded.holder_type,
		price_guide_value = excluded.price_guide_value,
		population        = excluded.population,
		pop_higher        = excluded.pop_higher,
		mintage           = excluded.mintage,
		image_url         = excluded.image_url,
		local_image_path  = excluded.local_image_path,
		updated_at        = excluded.updated_at
	RETURNING created_at, updated_at`

// Upsert inserts rec, or overwrites every field of the existing row for
// rec.CertNumber. CreatedAt of an existing row is kept. The stored
// timestamps are returned in the result.
func (s *CoinStore) Upsert(ctx context.Context, rec models.CoinRecord) (models.CoinRecord, error) {
	var created, updated dbTime
	err := s.db.QueryRowContext(ctx, s.rebind(upsertCoin),
		rec.CertNumber,
		rec.PCGSNumber,
		rec.Grade,
		rec.DateMintmark,
		rec.Denomination,
		rec.Variety,
		rec.Region,
		rec.Security,
		rec.HolderType,
		rec.PriceGuideValue,
		rec.Population,
		rec.PopHigher,
		rec.Mintage,
		rec.ImageURL,
		rec.LocalImagePath,
		s.timeArg(rec.CreatedAt),
		s.timeArg(rec.UpdatedAt),
	).Scan(&created, &updated)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = created.Time
	rec.UpdatedAt = updated.Time
	return rec, nil
}

// GetByCert returns the record for cert, or nil if there is none.
func (s *CoinStore) GetByCert(ctx context.Context, cert string) (*models.CoinRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+coinColumns+` FROM coins WHERE cert_number = ?`), cert)
	rec, err := scanCoin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteByCert removes the record for cert and reports whether it existed.
func (s *CoinStore) DeleteByCert(ctx context.Context, cert string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM coins WHERE cert_number = ?`), cert)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns records newest first.
func (s *CoinStore) List(ctx context.Context, q models.ListQuery) ([]models.CoinRecord, error) {
	q = q.Normalized()
	where, args := filter(q)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+coinColumns+` FROM coins`+where+` ORDER BY created_at DESC, cert_number LIMIT ? OFFSET ?`),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.CoinRecord, 0, q.Limit)
	for rows.Next() {
		rec, err := scanCoin(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns how many records match q, ignoring Limit and Offset.
func (s *CoinStore) Count(ctx context.Context, q models.ListQuery) (int, error) {
	where, args := filter(q)
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM coins`+where), args...).Scan(&n)
	return n, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func filter(q models.ListQuery) (string, []any) {
	grade := strings.TrimSpace(q.Grade)
	if grade == "" {
		return "", nil
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(grade)) + "%"
	return ` WHERE LOWER(grade) LIKE ? ESCAPE '\'`, []any{pattern}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCoin(row scanner) (models.CoinRecord, error) {
	var rec models.CoinRecord
	var (
		pcgs, grade, dateMint, denom, variety, region, security, holder sql.NullString
		price, pop, popHigher, mintage, imageURL, localPath             sql.NullString
		created, updated                                                dbTime
	)
	err := row.Scan(
		&rec.CertNumber,
		&pcgs, &grade, &dateMint, &denom, &variety, &region, &security, &holder,
		&price, &pop, &popHigher, &mintage, &imageURL, &localPath,
		&created, &updated,
	)
	if err != nil {
		return rec, err
	}

	rec.PCGSNumber = nullable(pcgs)
	rec.Grade = nullable(grade)
	rec.DateMintmark = nullable(dateMint)
	rec.Denomination = nullable(denom)
	rec.Variety = nullable(variety)
	rec.Region = nullable(region)
	rec.Security = nullable(security)
	rec.HolderType = nullable(holder)
	rec.PriceGuideValue = nullable(price)
	rec.Population = nullable(pop)
	rec.PopHigher = nullable(popHigher)
	rec.Mintage = nullable(mintage)
	rec.ImageURL = nullable(imageURL)
	rec.LocalImagePath = nullable(localPath)
	rec.CreatedAt = created.Time
	rec.UpdatedAt = updated.Time
	return rec, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
