package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/officer"
)

type officerRepository struct {
	db *DB
}

var _ officer.Repository = (*officerRepository)(nil) // interface compliance check

func NewOfficerRepository(db *DB) officer.Repository {
	return &officerRepository{db: db}
}

func (repo *officerRepository) query() []officer.Officer {
	officers := make([]officer.Officer, 0, len(repo.db.officers))
	for _, o := range repo.db.officers {
		officers = append(officers, o)
	}
	sort.Slice(officers, func(i, j int) bool { return officers[i].CreatedAt.Before(officers[j].CreatedAt) })
	return officers
}

func (repo *officerRepository) CheckUsernameUniqueness(_ context.Context, username, email string, excluded ...officer.Officer) error {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	isExcluded := func(o officer.Officer) bool {
		for _, ex := range excluded {
			if ex.ID == o.ID {
				return true
			}
		}
		return false
	}

	for _, o := range repo.db.officers {
		if isExcluded(o) {
			continue
		}
		if username != "" && o.Username == username {
			return officer.ErrUsernameExists
		}
		if email != "" && o.Email == email {
			return officer.ErrEmailExists
		}
	}
	return nil
}

func (repo *officerRepository) CreateOfficer(_ context.Context, o officer.Officer) (officer.Officer, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	o.ID = uuid.New().String()
	repo.db.officers[o.ID] = o
	return o, nil
}

func (repo *officerRepository) QueryOfficers(_ context.Context, filter *officer.QueryFilter, ordering []core.DBOrdering) ([]officer.Officer, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	officers := repo.query()
	if filter != nil {
		filtered := officers[:0]
		search := strings.ToLower(filter.Search)
		for _, o := range officers {
			if search != "" &&
				!strings.Contains(strings.ToLower(o.Name), search) &&
				!strings.Contains(o.Username, search) &&
				!strings.Contains(o.Email, search) {
				continue
			}
			if filter.Role != "" && !strings.EqualFold(o.Role, filter.Role) {
				continue
			}
			if filter.IsActive != nil && o.Active() != *filter.IsActive {
				continue
			}
			if filter.IsAdmin != nil && o.IsAdmin != *filter.IsAdmin {
				continue
			}
			filtered = append(filtered, o)
		}
		officers = filtered
	}

	for i := len(ordering) - 1; i >= 0; i-- {
		ord := ordering[i]
		sort.SliceStable(officers, func(a, b int) bool {
			va, vb := fieldValue(officers[a], ord.Field), fieldValue(officers[b], ord.Field)
			if ord.Ascending {
				return va < vb
			}
			return va > vb
		})
	}
	return officers, nil
}

func fieldValue(o officer.Officer, field string) string {
	switch field {
	case "name":
		return strings.ToLower(o.Name)
	case "username":
		return o.Username
	case "email":
		return o.Email
	case "role":
		return strings.ToLower(o.Role)
	default:
		return o.CreatedAt.Format("20060102150405.000000000")
	}
}

func (repo *officerRepository) GetOfficer(_ context.Context, filter officer.GetFilter) (officer.Officer, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if filter.ID != "" {
		if o, ok := repo.db.officers[filter.ID]; ok {
			return o, nil
		}
		return officer.Officer{}, officer.ErrNotFound
	}

	for _, o := range repo.db.officers {
		switch {
		case filter.Username != "":
			if o.Username == filter.Username {
				return o, nil
			}
		case filter.Email != "":
			if o.Email == filter.Email {
				return o, nil
			}
		case filter.UsernameOrEmail != "":
			if o.Username == filter.UsernameOrEmail || o.Email == filter.UsernameOrEmail {
				return o, nil
			}
		}
	}
	return officer.Officer{}, officer.ErrNotFound
}

func (repo *officerRepository) UpdateOfficer(_ context.Context, o officer.Officer) (officer.Officer, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.officers[o.ID]; !ok {
		return officer.Officer{}, officer.ErrNotFound
	}
	repo.db.officers[o.ID] = o
	return o, nil
}

func (repo *officerRepository) DeleteOfficersByID(_ context.Context, ids ...string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, id := range ids {
		delete(repo.db.officers, id)
	}
	return nil
}
