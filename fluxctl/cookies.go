package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// cookies file format:
//
//	cookies:
//	  - name: auth
//	    value: <access token>
//	    domain: flux.io
//	  - name: flux_token
//	    value: <flux token>
type cookiesFile struct {
	Cookies []*cookieEntry `yaml:"cookies"`
}

type cookieEntry struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Domain string `yaml:"domain,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

func parseCookies(data []byte) ([]*http.Cookie, error) {
	var file cookiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	cookies := []*http.Cookie{}
	for i, entry := range file.Cookies {
		if entry == nil || entry.Name == "" {
			return nil, fmt.Errorf("cookie %d is missing a name", i)
		}
		cookies = append(cookies, &http.Cookie{
			Name:   entry.Name,
			Value:  entry.Value,
			Domain: entry.Domain,
			Path:   entry.Path,
		})
	}
	return cookies, nil
}

// a truncated file seen mid write
var errEmptyCookiesFile = errors.New("empty cookies file")

func readCookiesFile(path string) ([]*http.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyCookiesFile
	}
	return parseCookies(data)
}

// the cookies to apply after a change to the file, if any.
// Removed, empty, and cookie-less files keep the last cookies since
// applying no cookies would sign the session out.
func changedCookies(path string) ([]*http.Cookie, bool) {
	cookies, err := readCookiesFile(path)
	if errors.Is(err, errEmptyCookiesFile) || errors.Is(err, os.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		Err.Printf("[cookies]%s: %s\n", path, err)
		return nil, false
	}
	if len(cookies) == 0 {
		Err.Printf("[cookies]%s: no cookies. Keep the last cookies.\n", path)
		return nil, false
	}
	return cookies, true
}

// watchCookiesFile calls `update` with the new cookies each time the file changes,
// until ctx is done. See `changedCookies` for the changes that are skipped.
// The parent directory is watched so that editors that replace the file are seen.
func watchCookiesFile(ctx context.Context, path string, update func([]*http.Cookie)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if name, _ := filepath.Abs(event.Name); name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if cookies, ok := changedCookies(path); ok {
					update(cookies)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				Err.Printf("[cookies]watch error = %s\n", err)
			}
		}
	}()
	return nil
}
