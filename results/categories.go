package results

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CategoryInput creates a category. An empty Key is derived from Label.
type CategoryInput struct {
	Key                string
	Label              string
	DefaultPublishTime string
}

// CategoryPatch updates a category. Nil fields are left unchanged; an empty
// DefaultPublishTime clears it.
type CategoryPatch struct {
	Label              *string
	DefaultPublishTime *string
}

// CategoryAdmin manages the column catalogue: the built-in base categories
// plus admin-defined ones held in a CategoryStore.
type CategoryAdmin struct {
	store   CategoryStore
	aliases *AliasTable
	clock   Clock
}

// NewCategoryAdmin creates a CategoryAdmin.
func NewCategoryAdmin(store CategoryStore, aliases *AliasTable, clock Clock) *CategoryAdmin {
	return &CategoryAdmin{store: store, aliases: aliases, clock: clock}
}

// List returns base categories first, then admin categories by creation.
func (a *CategoryAdmin) List(ctx context.Context) ([]Category, error) {
	stored, err := a.store.ListCategories(ctx)
	if err != nil {
		return nil, persistErr("list categories", err)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		if !stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].CreatedAt.Before(stored[j].CreatedAt)
		}
		return stored[i].Key < stored[j].Key
	})
	return append(BaseCategories(), stored...), nil
}

// Get returns the category with key.
func (a *CategoryAdmin) Get(ctx context.Context, key CategoryKey) (Category, error) {
	all, err := a.List(ctx)
	if err != nil {
		return Category{}, err
	}
	for _, c := range all {
		if c.Key == key {
			return c, nil
		}
	}
	return Category{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, key)
}

// Resolve finds a category by key, label or legacy name.
func (a *CategoryAdmin) Resolve(ctx context.Context, name string) (Category, error) {
	all, err := a.List(ctx)
	if err != nil {
		return Category{}, err
	}
	key, _ := a.aliases.Resolve(name)
	norm := NormalizeName(name)
	for _, c := range all {
		if c.Key == key || NormalizeName(c.Label) == norm {
			return c, nil
		}
	}
	return Category{}, fmt.Errorf("%w: %q", ErrCategoryNotFound, strings.TrimSpace(name))
}

// Create adds an admin category.
func (a *CategoryAdmin) Create(ctx context.Context, in CategoryInput) (Category, error) {
	label := strings.TrimSpace(in.Label)
	if label == "" {
		return Category{}, &ValidationError{Field: "label", Message: "is required"}
	}
	key := KeyFromName(in.Key)
	if strings.TrimSpace(in.Key) == "" {
		key = KeyFromName(label)
	}
	if !ValidKey(key) {
		return Category{}, &ValidationError{Field: "key", Message: fmt.Sprintf("%q must be 1-32 letters, digits or underscores", in.Key)}
	}
	if in.DefaultPublishTime != "" {
		if _, _, err := ParseTimeOfDay(in.DefaultPublishTime); err != nil {
			return Category{}, err
		}
	}

	if resolved, known := a.aliases.Resolve(string(key)); known && IsBase(resolved) {
		return Category{}, fmt.Errorf("%w: %s is a base category name", ErrCategoryExists, key)
	}
	if _, err := a.Get(ctx, key); err == nil {
		return Category{}, fmt.Errorf("%w: %s", ErrCategoryExists, key)
	} else if !IsNotFound(err) {
		return Category{}, err
	}

	c := Category{
		Key:                key,
		Label:              label,
		DefaultPublishTime: in.DefaultPublishTime,
		CreatedAt:          a.clock.Now().UTC(),
	}
	if err := a.store.SaveCategory(ctx, c); err != nil {
		return Category{}, persistErr("save category", err)
	}
	return c, nil
}

// Update changes the label or default publish time of an admin category.
func (a *CategoryAdmin) Update(ctx context.Context, key CategoryKey, patch CategoryPatch) (Category, error) {
	if IsBase(key) {
		return Category{}, &ValidationError{Field: "key", Message: fmt.Sprintf("%s is a base category and cannot be modified", key)}
	}
	c, err := a.Get(ctx, key)
	if err != nil {
		return Category{}, err
	}
	if patch.Label != nil {
		label := strings.TrimSpace(*patch.Label)
		if label == "" {
			return Category{}, &ValidationError{Field: "label", Message: "is required"}
		}
		c.Label = label
	}
	if patch.DefaultPublishTime != nil {
		if *patch.DefaultPublishTime != "" {
			if _, _, err := ParseTimeOfDay(*patch.DefaultPublishTime); err != nil {
				return Category{}, err
			}
		}
		c.DefaultPublishTime = *patch.DefaultPublishTime
	}
	if err := a.store.SaveCategory(ctx, c); err != nil {
		return Category{}, persistErr("save category", err)
	}
	return c, nil
}

// Delete removes an admin category. Existing values stay in the archive.
func (a *CategoryAdmin) Delete(ctx context.Context, key CategoryKey) error {
	if IsBase(key) {
		return &ValidationError{Field: "key", Message: fmt.Sprintf("%s is a base category and cannot be deleted", key)}
	}
	if _, err := a.Get(ctx, key); err != nil {
		return err
	}
	if err := a.store.DeleteCategory(ctx, key); err != nil {
		return persistErr("delete category", err)
	}
	return nil
}

// ParseTimeOfDay parses "HH:MM" in 24-hour form.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, perr := time.Parse("15:04", strings.TrimSpace(s))
	if perr != nil {
		return 0, 0, &ValidationError{Field: "default_publish_time", Message: fmt.Sprintf("%q is not an HH:MM time", s)}
	}
	return t.Hour(), t.Minute(), nil
}
