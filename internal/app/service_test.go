package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"omnipost/internal/entity"
	"omnipost/internal/kv"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()
	var mu sync.Mutex
	n := 0
	svc, err := NewService(kv.NewMemory(),
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%03d", n)
		}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func expectValidation(t *testing.T, err error, message string) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error %q, got %v", message, err)
	}
	if verr.Message != message {
		t.Fatalf("expected message %q, got %q", message, verr.Message)
	}
}

func TestCreateProfileValidatesName(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cases := map[string]string{
		"ab":                    "Profile name must be between 3 and 50 characters.",
		strings.Repeat("a", 51): "Profile name must be between 3 and 50 characters.",
		"  ":                    "Profile name must be between 3 and 50 characters.",
		"   ":                   "Profile name can only contain letters, numbers, underscores, hyphens, and @.",
		" acme":                 "Profile name can only contain letters, numbers, underscores, hyphens, and @.",
		"acme\t":                "Profile name can only contain letters, numbers, underscores, hyphens, and @.",
		"has space":             "Profile name can only contain letters, numbers, underscores, hyphens, and @.",
		"bad!name":              "Profile name can only contain letters, numbers, underscores, hyphens, and @.",
	}
	for name, want := range cases {
		_, err := svc.CreateProfile(ctx, name)
		expectValidation(t, err, want)
	}
	page, _ := svc.ListProfiles(ctx, "", 0)
	if len(page.Items) != 0 {
		t.Fatalf("rejected names must not be stored: %+v", page.Items)
	}
}

func TestCreateProfileAndList(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	p, err := svc.CreateProfile(ctx, "My_Brand@x-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID != "id-001" || p.Name != "My_Brand@x-1" || p.CreatedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.ConnectedAccounts == nil || len(p.ConnectedAccounts) != 0 {
		t.Fatalf("expected empty connected accounts, got %#v", p.ConnectedAccounts)
	}
	if _, err := svc.CreateProfile(ctx, "second"); err != nil {
		t.Fatalf("create second: %v", err)
	}
	page, err := svc.ListProfiles(ctx, "", 1)
	if err != nil || len(page.Items) != 1 || page.Items[0].Name != "My_Brand@x-1" || page.Next == "" {
		t.Fatalf("first page: %+v %v", page, err)
	}
	page, err = svc.ListProfiles(ctx, page.Next, 1)
	if err != nil || len(page.Items) != 1 || page.Items[0].Name != "second" || page.Next != "" {
		t.Fatalf("second page: %+v %v", page, err)
	}
}

func TestUpdateProfileAccounts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	p, _ := svc.CreateProfile(ctx, "brand")

	_, err := svc.UpdateProfileAccounts(ctx, p.ID, nil)
	expectValidation(t, err, "Missing connectedAccounts data.")

	_, err = svc.UpdateProfileAccounts(ctx, p.ID, []ConnectedAccount{{ID: "a", Platform: "myspace"}})
	expectValidation(t, err, `Unsupported platform "myspace".`)

	accounts := []ConnectedAccount{
		{ID: "a1", Platform: PlatformInstagram, Username: "brand.ig"},
		{ID: "a2", Platform: PlatformX, Username: "brand_x"},
	}
	updated, err := svc.UpdateProfileAccounts(ctx, p.ID, accounts)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "brand" || updated.CreatedAt != p.CreatedAt || len(updated.ConnectedAccounts) != 2 {
		t.Fatalf("update must only replace accounts: %+v", updated)
	}
	got, _ := svc.GetProfile(ctx, p.ID)
	if got.ConnectedAccounts[1].Username != "brand_x" {
		t.Fatalf("update not persisted: %+v", got)
	}
	cleared, err := svc.UpdateProfileAccounts(ctx, p.ID, []ConnectedAccount{})
	if err != nil || len(cleared.ConnectedAccounts) != 0 {
		t.Fatalf("clearing accounts: %+v %v", cleared, err)
	}

	if _, err := svc.UpdateProfileAccounts(ctx, "missing", accounts); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ok, _ := svc.Profiles().Handle("missing").Exists(ctx); ok {
		t.Fatalf("update of unknown profile must not create a record")
	}
}

func TestDeleteProfile(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	p, _ := svc.CreateProfile(ctx, "gone")
	res, err := svc.DeleteProfile(ctx, p.ID)
	if err != nil || res != (DeleteResult{ID: p.ID, Deleted: true}) {
		t.Fatalf("delete: %+v %v", res, err)
	}
	if _, err := svc.DeleteProfile(ctx, p.ID); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	_, err = svc.DeleteProfile(ctx, " ")
	expectValidation(t, err, "Invalid ID")
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	key, err := svc.CreateAPIKey(ctx)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if !strings.HasPrefix(key.Key, "op_sk_") || len(key.Key) != len("op_sk_")+32 || strings.Contains(key.Key, "-") {
		t.Fatalf("unexpected key format %q", key.Key)
	}
	if key.LastUsed != nil {
		t.Fatalf("new key must not have lastUsed")
	}
	other, _ := svc.CreateAPIKey(ctx)
	if other.Key == key.Key {
		t.Fatalf("keys must be unique")
	}
	page, _ := svc.ListAPIKeys(ctx, "", 0)
	if len(page.Items) != 2 || page.Items[0].ID != key.ID {
		t.Fatalf("unexpected key listing %+v", page.Items)
	}
	if _, err := svc.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, err := svc.DeleteAPIKey(ctx, key.ID); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, key.Key); err == nil {
		t.Fatalf("revoked key must not authenticate")
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	key, _ := svc.CreateAPIKey(ctx)
	var unauth *UnauthorizedError
	if _, err := svc.Authenticate(ctx, ""); !errors.As(err, &unauth) || err.Error() != "Unauthorized: Missing API Key" {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "op_sk_nope"); !errors.As(err, &unauth) || err.Error() != "Unauthorized: Invalid API Key" {
		t.Fatalf("expected invalid key error, got %v", err)
	}
	got, err := svc.Authenticate(ctx, key.Key)
	if err != nil || got.ID != key.ID {
		t.Fatalf("authenticate: %+v %v", got, err)
	}
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	key, _ := svc.CreateAPIKey(ctx)
	profile, _ := svc.CreateProfile(ctx, "poster")
	valid := UploadRequest{
		Media:     &File{Name: "clip.mp4", Size: 2048},
		Title:     "Launch",
		ProfileID: profile.ID,
		Platforms: []string{"tiktok", "instagram"},
	}

	var unauth *UnauthorizedError
	if _, err := svc.Upload(ctx, "", valid); !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	invalid := []struct {
		mutate  func(*UploadRequest)
		message string
	}{
		{func(r *UploadRequest) { r.Media = nil }, "Media file is required."},
		{func(r *UploadRequest) { r.Media = &File{Name: "empty"} }, "Media file is required."},
		{func(r *UploadRequest) { r.Title = " " }, "Title is required."},
		{func(r *UploadRequest) { r.ProfileID = "" }, "Profile ID is required."},
		{func(r *UploadRequest) { r.Platforms = nil }, "At least one platform is required."},
		{func(r *UploadRequest) { r.Platforms = []string{"orkut"} }, `Unsupported platform "orkut".`},
		{func(r *UploadRequest) { r.ProfileID = "nobody" }, "Profile not found."},
	}
	for _, tc := range invalid {
		req := valid
		tc.mutate(&req)
		_, err := svc.Upload(ctx, key.Key, req)
		expectValidation(t, err, tc.message)
	}
	stored, _ := svc.APIKeys().Get(ctx, key.ID)
	if stored.LastUsed != nil {
		t.Fatalf("rejected uploads must not mark the key as used")
	}

	receipt, err := svc.Upload(ctx, key.Key, valid)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := UploadReceipt{Message: "Upload successful!", FileName: "clip.mp4", Size: 2048, ProfileID: profile.ID, Platforms: []string{"tiktok", "instagram"}}
	if fmt.Sprintf("%+v", receipt) != fmt.Sprintf("%+v", want) {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	stored, _ = svc.APIKeys().Get(ctx, key.ID)
	if stored.LastUsed == nil || *stored.LastUsed != "2024-05-01T12:00:00Z" {
		t.Fatalf("expected lastUsed to be recorded, got %+v", stored)
	}
	if stored.Key != key.Key || stored.CreatedAt != key.CreatedAt {
		t.Fatalf("lastUsed patch must keep other fields: %+v", stored)
	}
}

func TestAccountAndAvatar(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	acct := svc.Account(ctx)
	if acct.ID != "user_123" || acct.Plan != "Free" || acct.AvatarURL == nil {
		t.Fatalf("unexpected account %+v", acct)
	}
	if !strings.HasPrefix(*acct.AvatarURL, "https://api.dicebear.com/8.x/bottts/svg?seed=") {
		t.Fatalf("unexpected avatar %s", *acct.AvatarURL)
	}
	_, err := svc.ChangeAvatar(ctx, nil)
	expectValidation(t, err, "Avatar file is required.")
	_, err = svc.ChangeAvatar(ctx, &File{Name: "a.png"})
	expectValidation(t, err, "Avatar file is required.")
	first, err := svc.ChangeAvatar(ctx, &File{Name: "a.png", Size: 10})
	if err != nil || !strings.HasPrefix(first, "https://api.dicebear.com/8.x/bottts/svg?seed=") {
		t.Fatalf("change avatar: %q %v", first, err)
	}
	second, _ := svc.ChangeAvatar(ctx, &File{Name: "a.png", Size: 10})
	if first == second {
		t.Fatalf("each change should produce a new url")
	}
}

func TestServiceRepair(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	svc, err := NewService(backend)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	p, _ := svc.CreateProfile(ctx, "keep")
	lost, _ := svc.CreateProfile(ctx, "lost")
	_ = backend.Delete(ctx, "profile/"+lost.ID)
	reports, err := svc.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if got := reports["profile"]; len(got.Dropped) != 1 || got.Dropped[0] != lost.ID {
		t.Fatalf("unexpected profile report %+v", got)
	}
	if _, ok := reports["apikey"]; !ok {
		t.Fatalf("expected api key report")
	}
	page, _ := svc.ListProfiles(ctx, "", 0)
	if len(page.Items) != 1 || page.Items[0].ID != p.ID {
		t.Fatalf("unexpected profiles after repair %+v", page.Items)
	}
}

func TestConcurrentProfileCreatesAllListed(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(kv.NewMemory())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.CreateProfile(ctx, fmt.Sprintf("profile-%02d", i)); err != nil {
				t.Errorf("create: %v", err)
			}
		}(i)
	}
	wg.Wait()
	page, err := svc.ListProfiles(ctx, "", 0)
	if err != nil || len(page.Items) != 25 {
		t.Fatalf("expected 25 profiles, got %d %v", len(page.Items), err)
	}
}
