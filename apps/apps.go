// Package apps is the catalogue of provider sub-applications. The session
// engine derives its push topic set and default device-registration
// services from it.
package apps

import "sort"

// App describes one sub-application.
type App struct {
	Name string
	// Path is the web client route, empty for apps without one.
	Path             string
	RequiredServices []string
	// PushTopic is empty for apps that do not receive push notifications.
	PushTopic string
	// ContainerIdentifier names the data container, used as the service
	// name for push device registration.
	ContainerIdentifier string
	PCSRequired         bool
	Beta                bool
	Hidden              bool
}

var catalogue = []App{
	{Name: "contacts", Path: "contacts/", RequiredServices: []string{"contacts", "keyvalue"}, PushTopic: "73f7bfc9253abaaa423eba9a48e9f187994b7bd9"},
	{Name: "calendar", Path: "calendar/", RequiredServices: []string{"calendar", "keyvalue"}, PushTopic: "dce593a0ac013016a778712b850dc2cf21af8266"},
	{Name: "find", RequiredServices: []string{"findme"}, PushTopic: "f68850316c5241d8fd120f3bc6da2ff4a6cca9a8"},
	{Name: "fmf", RequiredServices: []string{"fmf"}},
	{Name: "mail", Path: "mail/", RequiredServices: []string{"mail"}, PushTopic: "e850b097b840ef10ce5a7ed95b171058c42cc435", Beta: true},
	{Name: "notes", Path: "notes/", RequiredServices: []string{"mail"}},
	{Name: "notes2", Path: "notes2/", RequiredServices: []string{"ckdatabasews"}, ContainerIdentifier: "com.apple.notes", PCSRequired: true, Hidden: true},
	{Name: "reminders", Path: "reminders/", RequiredServices: []string{"reminders", "keyvalue"}, PushTopic: "8a40cb6b1d3fcd0f5c204504eb8fb9aa64b78faf"},
	{Name: "photos", Path: "photos/", RequiredServices: []string{"ckdatabasews"}, ContainerIdentifier: "com.apple.photos.cloud", PCSRequired: true},
	{Name: "iclouddrive", Path: "iclouddrive/", ContainerIdentifier: "com.apple.clouddocs", PCSRequired: true, Beta: true},
	{Name: "settings", Path: "settings/"},
	{Name: "pages", RequiredServices: []string{"ubiquity", "iwmb", "keyvalue"}, PushTopic: "5a5fc3a1fea1dfe3770aab71bc46d0aa8a4dad41", ContainerIdentifier: "com.apple.clouddocs", PCSRequired: true},
	{Name: "numbers", RequiredServices: []string{"ubiquity", "iwmb", "keyvalue"}, PushTopic: "5a5fc3a1fea1dfe3770aab71bc46d0aa8a4dad41", ContainerIdentifier: "com.apple.clouddocs", PCSRequired: true},
	{Name: "keynote", RequiredServices: []string{"ubiquity", "iwmb", "keyvalue"}, PushTopic: "5a5fc3a1fea1dfe3770aab71bc46d0aa8a4dad41", ContainerIdentifier: "com.apple.clouddocs", PCSRequired: true},
}

// All returns a copy of the catalogue in declaration order.
func All() []App {
	out := make([]App, len(catalogue))
	for i, app := range catalogue {
		app.RequiredServices = append([]string(nil), app.RequiredServices...)
		out[i] = app
	}
	return out
}

// Lookup returns the named app.
func Lookup(name string) (App, bool) {
	for _, app := range All() {
		if app.Name == name {
			return app, true
		}
	}
	return App{}, false
}

// Topics returns the distinct push topics of the catalogue in declaration
// order.
func Topics() []string {
	seen := make(map[string]struct{}, len(catalogue))
	out := make([]string, 0, len(catalogue))
	for _, app := range catalogue {
		if app.PushTopic == "" {
			continue
		}
		if _, ok := seen[app.PushTopic]; ok {
			continue
		}
		seen[app.PushTopic] = struct{}{}
		out = append(out, app.PushTopic)
	}
	return out
}

// DeviceServices returns the distinct container identifiers of apps backed
// by the record database service, sorted.
func DeviceServices() []string {
	seen := make(map[string]struct{})
	for _, app := range catalogue {
		if app.ContainerIdentifier == "" || !requires(app, "ckdatabasews") {
			continue
		}
		seen[app.ContainerIdentifier] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func requires(app App, service string) bool {
	for _, s := range app.RequiredServices {
		if s == service {
			return true
		}
	}
	return false
}
