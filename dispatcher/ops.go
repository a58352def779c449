package dispatcher

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Distrotech/cups-filters-sub000/api/codec"
	"github.com/Distrotech/cups-filters-sub000/attrbag"
	cerrors "github.com/Distrotech/cups-filters-sub000/internal/errors"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/registry"
)

// dispatch routes one access-checked request to its Registry/Job
// Store/Scheduler/Filter Graph collaborator and always returns a response,
// per spec.md §7: "errors ... always reported ... never by closing without
// a message" applies equally to success, since GET-* operations exist
// solely to carry data back to the caller.
func (d *Dispatcher) dispatch(req codec.Request) codec.Response {
	switch req.Operation {
	case "PRINT-JOB":
		return d.opPrintJob(req)
	case "CREATE-JOB":
		return d.opCreateJob(req)
	case "SEND-DOCUMENT":
		return d.opSendDocument(req)
	case "VALIDATE-JOB":
		return d.opValidateJob(req)
	case "CANCEL-JOB":
		return d.opCancelJob(req)
	case "GET-JOB-ATTRIBUTES":
		return d.opGetJobAttributes(req)
	case "GET-JOBS":
		return d.opGetJobs(req)
	case "GET-PRINTER-ATTRIBUTES":
		return d.opGetPrinterAttributes(req)
	case "GET-PRINTERS":
		return d.opGetDestinations(false)
	case "GET-CLASSES":
		return d.opGetDestinations(true)
	case "GET-DEFAULT":
		return d.opGetDefault(req)
	case "ADD-PRINTER":
		return d.opAddPrinter(req)
	case "ADD-CLASS":
		return d.opAddClass(req)
	case "ADD-CLASS-MEMBER":
		return d.opAddClassMember(req)
	case "REMOVE-CLASS-MEMBER":
		return d.opRemoveClassMember(req)
	case "DELETE-PRINTER", "DELETE-CLASS":
		return d.opDeleteDestination(req)
	case "SET-DEFAULT":
		return d.opSetDefault(req)
	case "ENABLE-PRINTER":
		return d.opSetAccepting(req, true)
	case "DISABLE-PRINTER":
		return d.opSetAccepting(req, false)
	case "PAUSE-PRINTER":
		return d.opPauseResume(req, true)
	case "RESUME-PRINTER":
		return d.opPauseResume(req, false)
	case "HOLD-JOB":
		return d.opHoldJob(req)
	case "RELEASE-JOB":
		return d.opReleaseJob(req)
	case "RESTART-JOB":
		return d.opRestartJob(req)
	case "SET-JOB-ATTRIBUTES":
		return d.opSetJobAttributes(req)
	default:
		return errorResponse(cerrors.New(cerrors.Codec, req.Operation, "unsupported-operation", nil))
	}
}

func okResponse(attrs map[string]interface{}) codec.Response {
	return codec.Response{StatusCode: 200, Attrs: attrs}
}

func errorResponse(err error) codec.Response {
	attrs := map[string]interface{}{"status-message": err.Error()}
	var ce *cerrors.Error
	if errors.As(err, &ce) {
		attrs["status-reason"] = ce.Reason
	}
	return codec.Response{StatusCode: statusForError(err), Attrs: attrs}
}

// statusForError maps the internal error taxonomy (spec.md §7) onto the
// same small HTTP-like status vocabulary statusForDecision uses for
// access-control rejections.
func statusForError(err error) int {
	var ce *cerrors.Error
	if !errors.As(err, &ce) {
		return 500
	}
	switch ce.Kind {
	case cerrors.Transport, cerrors.Codec:
		return 400
	case cerrors.Authorization:
		return 403
	case cerrors.Destination:
		switch ce.Reason {
		case "already-exists", "not-acceptable":
			return 409
		case "document-format-not-supported":
			return 415
		default:
			return 404
		}
	case cerrors.Quota:
		return 429
	default:
		return 500
	}
}

func attrString(attrs map[string]interface{}, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func attrBool(attrs map[string]interface{}, key string) bool {
	switch v := attrs[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func attrInt(attrs map[string]interface{}, key string, def int) int {
	switch v := attrs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func missingAttrs(attrs map[string]interface{}, names ...string) []string {
	var out []string
	for _, n := range names {
		if attrString(attrs, n) == "" {
			out = append(out, n)
		}
	}
	return out
}

func jobAttrs(j *jobstore.Job) map[string]interface{} {
	out := j.Attributes.Native()
	out["job-id"] = j.ID
	out["job-state"] = j.State.String()
	out["job-state-reason"] = j.Reason
	out["job-printer-uri"] = j.AssignedPrinter
	out["job-originating-user-name"] = j.Owner
	out["job-priority"] = j.Priority
	return out
}

func destAttrs(d *registry.Destination) map[string]interface{} {
	out := d.Attributes.Native()
	out["printer-name"] = d.Name
	out["printer-state"] = d.State().String()
	out["printer-is-accepting-jobs"] = d.Accepting()
	reasons := d.Reasons()
	rs := make([]interface{}, len(reasons))
	for i, r := range reasons {
		rs[i] = string(r)
	}
	out["printer-state-reasons"] = rs
	return out
}

// destinationName reads whichever of printer-name/class-name the operation
// happens to carry; lpadmin and the generic admin ops use either depending
// on which kind of destination they target.
func destinationName(attrs map[string]interface{}) string {
	if name := attrString(attrs, "printer-name"); name != "" {
		return name
	}
	return attrString(attrs, "class-name")
}

func (d *Dispatcher) findJob(req codec.Request) (*jobstore.Job, codec.Response, bool) {
	id := attrInt(req.Attrs, "job-id", -1)
	job, ok := d.jobs.Find(id)
	if !ok {
		return nil, errorResponse(cerrors.NotFound(req.Operation, fmt.Sprintf("job-id %d", id))), false
	}
	return job, codec.Response{}, true
}

func (d *Dispatcher) opPrintJob(req codec.Request) codec.Response {
	return d.submitJob(req, true)
}

func (d *Dispatcher) opCreateJob(req codec.Request) codec.Response {
	return d.submitJob(req, false)
}

func (d *Dispatcher) submitJob(req codec.Request, withDocument bool) codec.Response {
	destName := attrString(req.Attrs, "printer-name")
	owner := attrString(req.Attrs, "requesting-user-name")
	if destName == "" || owner == "" {
		return errorResponse(cerrors.MissingAttributes(req.Operation, missingAttrs(req.Attrs, "printer-name", "requesting-user-name")))
	}
	if _, ok := d.reg.Lookup(destName); !ok {
		return errorResponse(cerrors.NotFound(req.Operation, destName))
	}
	priority := attrInt(req.Attrs, "job-priority", 50)
	job, err := d.jobs.Submit(destName, owner, priority, attrbag.FromNative(req.Attrs))
	if err != nil {
		return errorResponse(err)
	}
	if withDocument {
		if path := attrString(req.Attrs, "document-path"); path != "" {
			mime := attrString(req.Attrs, "document-format")
			if mime == "" {
				mime = "application/octet-stream"
			}
			if err := d.jobs.AttachFile(job, path, mime); err != nil {
				return errorResponse(err)
			}
		}
		d.sched.Run()
	}
	return okResponse(map[string]interface{}{"job-id": job.ID, "job-state": job.State.String()})
}

func (d *Dispatcher) opSendDocument(req codec.Request) codec.Response {
	job, resp, ok := d.findJob(req)
	if !ok {
		return resp
	}
	path := attrString(req.Attrs, "document-path")
	if path == "" {
		return errorResponse(cerrors.MissingAttributes(req.Operation, []string{"document-path"}))
	}
	mime := attrString(req.Attrs, "document-format")
	if mime == "" {
		mime = "application/octet-stream"
	}
	if err := d.jobs.AttachFile(job, path, mime); err != nil {
		return errorResponse(err)
	}
	if attrBool(req.Attrs, "last-document") {
		d.sched.Run()
	}
	return okResponse(map[string]interface{}{"job-id": job.ID, "job-state": job.State.String()})
}

func (d *Dispatcher) opValidateJob(req codec.Request) codec.Response {
	destName := attrString(req.Attrs, "printer-name")
	dest, ok := d.reg.Lookup(destName)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, destName))
	}
	if !dest.Accepting() {
		return errorResponse(cerrors.NotAcceptable(req.Operation, destName))
	}
	if mime := attrString(req.Attrs, "document-format"); mime != "" && d.filters != nil {
		if _, err := d.filters.Resolve(mime, destName); err != nil {
			return errorResponse(cerrors.FormatNotSupported(req.Operation, mime, destName))
		}
	}
	return okResponse(map[string]interface{}{"job-state": "pending"})
}

func (d *Dispatcher) opCancelJob(req codec.Request) codec.Response {
	job, resp, ok := d.findJob(req)
	if !ok {
		return resp
	}
	d.sup.CancelJob(job.ID)
	purge := !attrBool(req.Attrs, "keep-files")
	if err := d.jobs.Cancel(job, purge); err != nil {
		return errorResponse(err)
	}
	d.sched.Run()
	return okResponse(map[string]interface{}{"job-id": job.ID, "job-state": job.State.String()})
}

func (d *Dispatcher) opGetJobAttributes(req codec.Request) codec.Response {
	job, resp, ok := d.findJob(req)
	if !ok {
		return resp
	}
	return okResponse(jobAttrs(job))
}

func (d *Dispatcher) opGetJobs(req codec.Request) codec.Response {
	destName := attrString(req.Attrs, "printer-name")
	owner := attrString(req.Attrs, "requesting-user-name")
	which := attrString(req.Attrs, "which-jobs")

	var jobs []interface{}
	for _, j := range d.jobs.All() {
		if destName != "" && !strings.EqualFold(j.TargetName, destName) {
			continue
		}
		if owner != "" && j.Owner != owner {
			continue
		}
		if which == "completed" && !j.State.Terminal() {
			continue
		}
		if which != "completed" && j.State.Terminal() {
			continue
		}
		jobs = append(jobs, jobAttrs(j))
	}
	return okResponse(map[string]interface{}{"jobs": jobs})
}

func (d *Dispatcher) opGetPrinterAttributes(req codec.Request) codec.Response {
	name := attrString(req.Attrs, "printer-name")
	dest, ok := d.reg.Lookup(name)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, name))
	}
	return okResponse(destAttrs(dest))
}

func (d *Dispatcher) opGetDestinations(classes bool) codec.Response {
	var out []interface{}
	for _, dest := range d.reg.All() {
		if dest.IsClass() != classes {
			continue
		}
		out = append(out, destAttrs(dest))
	}
	key := "printers"
	if classes {
		key = "classes"
	}
	return okResponse(map[string]interface{}{key: out})
}

func (d *Dispatcher) opGetDefault(req codec.Request) codec.Response {
	dest, ok := d.reg.Default()
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, "default"))
	}
	return okResponse(destAttrs(dest))
}

func (d *Dispatcher) opAddPrinter(req codec.Request) codec.Response {
	name := attrString(req.Attrs, "printer-name")
	if name == "" {
		return errorResponse(cerrors.MissingAttributes(req.Operation, []string{"printer-name"}))
	}
	dest, ok := d.reg.LookupPrinter(name)
	if !ok {
		created, err := d.reg.CreatePrinter(name)
		if err != nil {
			return errorResponse(err)
		}
		dest = created
	}
	if uri := attrString(req.Attrs, "device-uri"); uri != "" {
		dest.DeviceURI = uri
	}
	if info := attrString(req.Attrs, "printer-info"); info != "" {
		dest.Attributes["printer-info"] = attrbag.Str(info)
	}
	if loc := attrString(req.Attrs, "printer-location"); loc != "" {
		dest.Attributes["printer-location"] = attrbag.Str(loc)
	}
	if attrString(req.Attrs, "printer-state") == "idle" {
		dest.SetAccepting(true)
		_ = d.reg.RecordState(dest, registry.StateIdle, "enabled-by-operator")
	}
	if className := attrString(req.Attrs, "add-to-class"); className != "" {
		class, ok := d.reg.LookupClass(className)
		if !ok {
			created, err := d.reg.CreateClass(className)
			if err != nil {
				return errorResponse(err)
			}
			class = created
		}
		if err := d.reg.AddMember(class, dest); err != nil {
			return errorResponse(err)
		}
	}
	if className := attrString(req.Attrs, "remove-from-class"); className != "" {
		if class, ok := d.reg.LookupClass(className); ok {
			if err := d.reg.RemoveMember(class, dest); err != nil {
				return errorResponse(err)
			}
		}
	}
	return okResponse(map[string]interface{}{"printer-name": dest.Name})
}

func (d *Dispatcher) opAddClass(req codec.Request) codec.Response {
	name := destinationName(req.Attrs)
	if name == "" {
		return errorResponse(cerrors.MissingAttributes(req.Operation, []string{"class-name"}))
	}
	dest, ok := d.reg.LookupClass(name)
	if !ok {
		created, err := d.reg.CreateClass(name)
		if err != nil {
			return errorResponse(err)
		}
		dest = created
	}
	return okResponse(map[string]interface{}{"class-name": dest.Name})
}

func (d *Dispatcher) opAddClassMember(req codec.Request) codec.Response {
	className := attrString(req.Attrs, "class-name")
	printerName := attrString(req.Attrs, "printer-name")
	if className == "" || printerName == "" {
		return errorResponse(cerrors.MissingAttributes(req.Operation, missingAttrs(req.Attrs, "class-name", "printer-name")))
	}
	printer, ok := d.reg.Lookup(printerName)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, printerName))
	}
	class, ok := d.reg.LookupClass(className)
	if !ok {
		created, err := d.reg.CreateClass(className)
		if err != nil {
			return errorResponse(err)
		}
		class = created
	}
	if err := d.reg.AddMember(class, printer); err != nil {
		return errorResponse(err)
	}
	return okResponse(map[string]interface{}{"class-name": class.Name})
}

func (d *Dispatcher) opRemoveClassMember(req codec.Request) codec.Response {
	className := attrString(req.Attrs, "class-name")
	printerName := attrString(req.Attrs, "printer-name")
	if className == "" || printerName == "" {
		return errorResponse(cerrors.MissingAttributes(req.Operation, missingAttrs(req.Attrs, "class-name", "printer-name")))
	}
	printer, ok := d.reg.Lookup(printerName)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, printerName))
	}
	class, ok := d.reg.LookupClass(className)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, className))
	}
	if err := d.reg.RemoveMember(class, printer); err != nil {
		return errorResponse(err)
	}
	return okResponse(map[string]interface{}{"class-name": className})
}

func (d *Dispatcher) opDeleteDestination(req codec.Request) codec.Response {
	name := destinationName(req.Attrs)
	dest, ok := d.reg.Lookup(name)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, name))
	}
	if d.filters != nil {
		d.filters.UnregisterDestination(dest.Name)
	}
	if _, err := d.reg.Delete(dest); err != nil {
		return errorResponse(err)
	}
	return okResponse(map[string]interface{}{"printer-name": dest.Name})
}

func (d *Dispatcher) opSetDefault(req codec.Request) codec.Response {
	name := attrString(req.Attrs, "printer-name")
	if err := d.reg.SetDefault(name); err != nil {
		return errorResponse(err)
	}
	return okResponse(map[string]interface{}{"printer-name": name})
}

func (d *Dispatcher) opSetAccepting(req codec.Request, accepting bool) codec.Response {
	name := attrString(req.Attrs, "printer-name")
	dest, ok := d.reg.Lookup(name)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, name))
	}
	dest.SetAccepting(accepting)
	d.sched.Run()
	return okResponse(map[string]interface{}{"printer-name": dest.Name, "printer-is-accepting-jobs": accepting})
}

func (d *Dispatcher) opPauseResume(req codec.Request, pause bool) codec.Response {
	name := attrString(req.Attrs, "printer-name")
	dest, ok := d.reg.Lookup(name)
	if !ok {
		return errorResponse(cerrors.NotFound(req.Operation, name))
	}
	if pause {
		if err := d.reg.RecordState(dest, registry.StateStopped, "paused-by-operator"); err != nil {
			return errorResponse(err)
		}
	} else {
		if err := d.reg.RecordState(dest, registry.StateIdle, "resumed-by-operator"); err != nil {
			return errorResponse(err)
		}
		d.sched.Run()
	}
	return okResponse(map[string]interface{}{"printer-name": dest.Name, "printer-state": dest.State().String()})
}

func (d *Dispatcher) opHoldJob(req codec.Request) codec.Response {
	job, resp, ok := d.findJob(req)
	if !ok {
		return resp
	}
	if err := d.jobs.Transition(job, jobstore.Held, "held-by-operator"); err != nil {
		return errorResponse(err)
	}
	return okResponse(map[string]interface{}{"job-id": job.ID, "job-state": job.State.String()})
}

func (d *Dispatcher) opReleaseJob(req codec.Request) codec.Response {
	job, resp, ok := d.findJob(req)
	if !ok {
		return resp
	}
	if err := d.jobs.Transition(job, jobstore.Pending, "released-by-operator"); err != nil {
		return errorResponse(err)
	}
	d.sched.Run()
	return okResponse(map[string]interface{}{"job-id": job.ID, "job-state": job.State.String()})
}

func (d *Dispatcher) opRestartJob(req codec.Request) codec.Response {
	job, resp, ok := d.findJob(req)
	if !ok {
		return resp
	}
	if err := d.jobs.Restart(job); err != nil {
		return errorResponse(err)
	}
	d.sched.Run()
	return okResponse(map[string]interface{}{"job-id": job.ID, "job-state": job.State.String()})
}

func (d *Dispatcher) opSetJobAttributes(req codec.Request) codec.Response {
	job, resp, ok := d.findJob(req)
	if !ok {
		return resp
	}
	if _, present := req.Attrs["job-priority"]; present {
		job.Priority = attrInt(req.Attrs, "job-priority", job.Priority)
	}
	if hold, present := req.Attrs["job-hold-until"]; present {
		s, _ := hold.(string)
		switch {
		case s == "" || s == "no-hold":
			if job.State == jobstore.Held {
				if err := d.jobs.Transition(job, jobstore.Pending, "hold-released"); err != nil {
					return errorResponse(err)
				}
			}
		default:
			if err := d.jobs.Transition(job, jobstore.Held, "hold-until-"+s); err != nil {
				return errorResponse(err)
			}
		}
	}
	d.sched.Run()
	return okResponse(map[string]interface{}{"job-id": job.ID, "job-state": job.State.String(), "job-priority": job.Priority})
}
