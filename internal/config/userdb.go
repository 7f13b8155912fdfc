package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// User is one record of the user database, per spec.md §6.
type User struct {
	Name         string
	PasswordHash [32]byte
	UID          uint32
	GID          uint32
	Home         string
	Shell        string
	Flags        uint32
}

// UserDB is an in-memory, name-keyed user database loaded from the
// persisted user-database file.
type UserDB struct {
	byName map[string]*User
}

// NewUserDB creates an empty user database.
func NewUserDB() *UserDB {
	return &UserDB{byName: make(map[string]*User)}
}

// Lookup returns the user record named name.
func (db *UserDB) Lookup(name string) (*User, bool) {
	u, ok := db.byName[name]
	return u, ok
}

// Add inserts or replaces a user record.
func (db *UserDB) Add(u *User) {
	db.byName[u.Name] = u
}

// LoadUserDB parses colon-separated records:
// name:hexhash:uid:gid:home:shell:flags
func LoadUserDB(r io.Reader) (*UserDB, error) {
	db := NewUserDB()
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) != 7 {
			return nil, fmt.Errorf("config: userdb line %d: expected 7 fields, got %d", lineNo, len(fields))
		}

		u, err := parseUserRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("config: userdb line %d: %w", lineNo, err)
		}

		db.Add(u)
	}

	return db, scanner.Err()
}

func parseUserRecord(fields []string) (*User, error) {
	u := &User{
		Name:  fields[0],
		Home:  fields[4],
		Shell: fields[5],
	}

	hashBytes, err := decodeHexHash(fields[1])
	if err != nil {
		return nil, fmt.Errorf("password hash: %w", err)
	}

	u.PasswordHash = hashBytes

	uid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("uid: %w", err)
	}

	u.UID = uint32(uid)

	gid, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("gid: %w", err)
	}

	u.GID = uint32(gid)

	flags, err := strconv.ParseUint(fields[6], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}

	u.Flags = uint32(flags)

	return u, nil
}

func decodeHexHash(s string) ([32]byte, error) {
	var out [32]byte

	if len(s) != 64 {
		return out, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}

	for i := 0; i < 32; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return out, err
		}

		out[i] = byte(b)
	}

	return out, nil
}

// ParseTimezone reads a single IANA timezone identifier line, per
// spec.md §6.
func ParseTimezone(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		return line, nil
	}

	if err := scanner.Err(); err != nil {
		return "", err
	}

	return "UTC", nil
}
