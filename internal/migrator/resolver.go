package migrator

import (
	"context"
	"errors"
	"fmt"

	"docmigrator/internal/docstore"
)

// Resolver finds or creates databases and collections by id and hands
// their links to migrations. Script bodies and data loaders receive it.
type Resolver struct {
	client docstore.Client
}

// NewResolver wraps a store client.
func NewResolver(c docstore.Client) *Resolver { return &Resolver{client: c} }

// Client exposes the underlying store to script bodies.
func (r *Resolver) Client() docstore.Client { return r.client }

// GetOrCreateDatabase returns database id, creating it when absent.
func (r *Resolver) GetOrCreateDatabase(ctx context.Context, id string) (*docstore.Resource, error) {
	db, err := r.client.FindDatabase(ctx, id)
	if err == nil {
		return db, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("find database %s: %w", id, err)
	}
	db, err = r.client.CreateDatabase(ctx, id)
	if errors.Is(err, docstore.ErrConflict) {
		// created by someone else in between
		return r.client.FindDatabase(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", id, err)
	}
	return db, nil
}

// GetOrCreateCollection returns collection id of dbLink, creating it when absent.
func (r *Resolver) GetOrCreateCollection(ctx context.Context, dbLink, id string) (*docstore.Resource, error) {
	coll, err := r.client.FindCollection(ctx, dbLink, id)
	if err == nil {
		return coll, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("find collection %s: %w", id, err)
	}
	coll, err = r.client.CreateCollection(ctx, dbLink, id)
	if errors.Is(err, docstore.ErrConflict) {
		return r.client.FindCollection(ctx, dbLink, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", id, err)
	}
	return coll, nil
}

// DatabaseLink returns the link of an existing database.
// A missing database yields docstore.ErrNotFound.
func (r *Resolver) DatabaseLink(ctx context.Context, id string) (string, error) {
	db, err := r.client.FindDatabase(ctx, id)
	if err != nil {
		return "", err
	}
	return db.Link, nil
}

// CollectionLink returns the link of an existing collection.
func (r *Resolver) CollectionLink(ctx context.Context, dbLink, id string) (string, error) {
	coll, err := r.client.FindCollection(ctx, dbLink, id)
	if err != nil {
		return "", err
	}
	return coll.Link, nil
}

// resolveTarget finds the collection a migration runs against without creating anything.
func (r *Resolver) resolveTarget(ctx context.Context, m Migration) (string, error) {
	dbLink, err := r.DatabaseLink(ctx, m.Database)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", &ResourceResolutionError{Kind: "database", ID: m.Database, Migration: m.Name}
	}
	if err != nil {
		return "", err
	}
	collLink, err := r.CollectionLink(ctx, dbLink, m.Collection)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", &ResourceResolutionError{Kind: "collection", ID: m.Collection, Migration: m.Name}
	}
	if err != nil {
		return "", err
	}
	return collLink, nil
}
