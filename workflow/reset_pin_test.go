package workflow

import (
	"context"
	"testing"

	"github.com/mesmerverse/walletkit/entity"
)

func TestResetPin_RejectsRevokingDevice(t *testing.T) {
	caller := &fakeCaller{}
	deps := newTestDeps(t, caller)
	deviceAddr := provisionDeviceKeys(t, deps)

	seed(t, deps, entity.KindUser, map[string]any{
		"id": testUserID, "status": entity.UserStatusActivated,
	})
	seed(t, deps, entity.KindDevice, map[string]any{
		"address": deviceAddr, "user_id": testUserID, "status": entity.DeviceStatusRevoking,
	})

	_, _, err := runStages(context.Background(), NewResetPin(deps))
	if code := workflowCode(t, err); code != "DEVICE_REVOKED" {
		t.Errorf("Expected DEVICE_REVOKED, got %s", code)
	}
	if caller.callCount() != 0 {
		t.Errorf("Precondition failure must not reach the network, saw %v", caller.calls)
	}
}

func TestResetPin_RequiresActivatedUser(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})
	deviceAddr := provisionDeviceKeys(t, deps)

	seed(t, deps, entity.KindUser, map[string]any{
		"id": testUserID, "status": entity.UserStatusCreated,
	})
	seed(t, deps, entity.KindDevice, map[string]any{
		"address": deviceAddr, "user_id": testUserID, "status": entity.DeviceStatusRegistered,
	})

	_, _, err := runStages(context.Background(), NewResetPin(deps))
	if code := workflowCode(t, err); code != CodeUserNotActivated {
		t.Errorf("Expected %s, got %s", CodeUserNotActivated, code)
	}
}
