package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/dumacp/go-logs/pkg/logs"

	"github.com/dumacp/go-aggregator/internal/aggregation"
	"github.com/dumacp/go-aggregator/internal/atcmd"
	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/gnss"
	"github.com/dumacp/go-aggregator/internal/mqttclient"
	"github.com/dumacp/go-aggregator/internal/mqttsn"
	"github.com/dumacp/go-aggregator/internal/radio"
	"github.com/dumacp/go-aggregator/internal/sensors"
	"github.com/dumacp/go-aggregator/internal/settings"
	"github.com/dumacp/go-aggregator/pkg/messages"
)

var debug bool
var logstd bool
var version bool

var baudRate int
var portGNSS string
var portModem string

var brokerURL string
var clientID string
var gateway string
var ssid string
var psk string
var apnConn string

var periodSec int
var timeoutSec int
var distanceMin int
var configDir string
var pathThermal string

const (
	pathudev      = "/etc/udev/rules.d/local.rules"
	versionString = "1.0.4"
)

func init() {
	flag.BoolVar(&debug, "debug", false, "debug")
	flag.BoolVar(&logstd, "logStd", false, "logs in stderr")
	flag.BoolVar(&version, "version", false, "show version")
	flag.IntVar(&baudRate, "baudRate", 115200, "baud rate of the serial ports.")
	flag.StringVar(&portGNSS, "portGnss", "/dev/ttyGPS", "device serial of the GNSS receiver.")
	flag.StringVar(&portModem, "portModem", "/dev/ttyMODEM", "device serial of the radio modem.")
	flag.StringVar(&brokerURL, "broker", "", "MQTT broker url (tcp://host:port)")
	flag.StringVar(&clientID, "clientid", "", "MQTT client id")
	flag.StringVar(&gateway, "gateway", "", "MQTT-SN gateway (host:port)")
	flag.StringVar(&ssid, "ssid", "", "wifi network name")
	flag.StringVar(&psk, "psk", "", "wifi passphrase")
	flag.StringVar(&apnConn, "apn", "", "APN net")
	flag.IntVar(&periodSec, "period", 10, "sampling period in seconds.")
	flag.IntVar(&timeoutSec, "timeout", 5, "request timeout in seconds.")
	flag.IntVar(&distanceMin, "distance", 30, "minimun distance traveled before to send")
	flag.StringVar(&configDir, "configDir", "/etc/go-aggregator", "persisted settings directory")
	flag.StringVar(&pathThermal, "pathThermal", "/sys/class/thermal/thermal_zone0/temp", "board temperature source")
}

func main() {

	flag.Parse()
	if version {
		fmt.Printf("version: %s\n", versionString)
		os.Exit(2)
	}
	initLogs(debug, logstd)

	if len(apnConn) <= 0 {
		if apn, err := getAPN(); err == nil {
			logs.LogInfo.Printf("new APN from ENV: %q", apn)
			apnConn = apn
		}
	}
	if len(brokerURL) <= 0 {
		if url := os.Getenv("BROKER_URL"); len(url) > 0 {
			logs.LogInfo.Printf("new broker from ENV: %q", url)
			brokerURL = url
		}
	}
	if len(ssid) <= 0 {
		ssid = os.Getenv("WIFI_SSID")
	}
	if len(psk) <= 0 {
		psk = os.Getenv("WIFI_PSK")
	}

	portGNSS = resolvePort(portGNSS, "ttyGPS", "/dev/ttyUSB1")
	logs.LogBuild.Printf("portGnss: %s", portGNSS)
	portModem = resolvePort(portModem, "ttyMODEM", "/dev/ttyUSB2")
	logs.LogBuild.Printf("portModem: %s", portModem)

	store, err := settings.NewStore(configDir)
	if err != nil {
		logs.LogError.Fatalln(err)
	}
	loadSettings(store)

	if len(clientID) <= 0 {
		if name, err := os.Hostname(); err == nil {
			clientID = name
		} else {
			clientID = "go-aggregator"
		}
	}

	modemDev, err := atcmd.OpenSerial(portModem, baudRate)
	if err != nil {
		logs.LogError.Fatalln(err)
	}
	gnssDev, err := atcmd.OpenSerial(portGNSS, baudRate)
	if err != nil {
		logs.LogError.Fatalln(err)
	}

	period := time.Duration(periodSec) * time.Second
	timeout := time.Duration(timeoutSec) * time.Second

	reg := device.NewRegistry()
	gnssDrv := gnss.NewDriver(gnssDev)
	wifiDrv := radio.NewWifi(modemDev, ssid, psk)
	cellDrv := radio.NewCell(modemDev, apnConn)
	mqttDrv := mqttclient.NewDriver(mqttclient.Config{
		BrokerURL: brokerURL,
		ClientID:  clientID,
	})
	snDrv := mqttsn.NewDriver(modemDev, gateway, clientID)

	register := func(kind device.Kind, drv device.Driver) {
		if _, err := reg.Register(kind, drv, period, timeout); err != nil {
			logs.LogError.Fatalln(err)
		}
	}
	register(device.GNSS, gnssDrv)
	register(device.Wifi, wifiDrv)
	register(device.Cell, cellDrv)
	register(device.MQTT, mqttDrv)
	register(device.MQTTSN, snDrv)

	rootContext := actor.NewActorSystem().Root

	var pidAgg *actor.PID
	emit := func(r messages.SensorReading) {
		if pidAgg != nil {
			rootContext.Send(pidAgg, &r)
		}
	}
	sensorList := []sensors.Sensor{
		sensors.NewPollSensor("temperature", period, time.Second,
			func() (float64, error) { return readScaledFile(pathThermal, 1000) }, emit),
		sensors.NewPollSensor("uptime", period, time.Second, readUptime, emit),
	}

	transports := []aggregation.Transport{
		{Name: aggregation.TransportWifi, Radio: device.Wifi, Client: device.MQTT, Sink: mqttDrv},
		{Name: aggregation.TransportCell, Radio: device.Cell, Client: device.MQTTSN, Sink: snDrv},
	}
	orch := aggregation.NewOrchestrator(reg, device.NewResolver(), sensorList, transports, period)
	orch.SetMinDistance(float64(distanceMin))

	props := actor.PropsFromFunc(func(c actor.Context) {
		switch msg := c.Message().(type) {
		case *actor.Started:
			pidA, err := c.SpawnNamed(actor.PropsFromFunc(orch.Receive), "aggregation")
			if err != nil {
				logs.LogError.Panic(err)
			}
			pidAgg = pidA
			c.Watch(pidA)
			for _, kind := range device.Kinds {
				h := reg.Get(kind)
				if h == nil {
					logs.LogError.Panic(fmt.Sprintf("module %q not registered", kind))
				}
				mod := device.NewModuleActor(h)
				pid, err := c.SpawnNamed(actor.PropsFromFunc(mod.Receive), kind.String())
				if err != nil {
					logs.LogError.Panic(err)
				}
				c.Watch(pid)
				c.RequestWithCustomSender(pidA,
					&messages.RegisterModule{Module: kind.String()}, pid)
			}
		case *actor.Terminated:
			logs.LogError.Printf("actor terminated: %s", msg.Who.GetId())
		}
	})

	_, err = rootContext.SpawnNamed(props, "aggregator")
	if err != nil {
		logs.LogError.Fatalln(err)
	}
	time.Sleep(100 * time.Millisecond)

	finish := make(chan os.Signal, 1)
	signal.Notify(finish, syscall.SIGINT)
	signal.Notify(finish, syscall.SIGTERM)

	for {
		select {
		case v := <-finish:
			logs.LogError.Println(v)
			return
		}
	}

}

// resolvePort keeps the udev alias when local.rules declares it and falls
// back to the raw USB device otherwise.
func resolvePort(port, alias, fallback string) string {
	if !strings.Contains(port, alias) {
		return port
	}
	fileenv, err := os.Open(pathudev)
	if err != nil {
		logs.LogWarn.Printf("error: reading file UDEV, %s", err)
		return port
	}
	defer fileenv.Close()
	scanner := bufio.NewScanner(fileenv)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), alias) {
			return port
		}
	}
	return fallback
}

// loadSettings fills unset flags from the persisted configs. Flags and ENV
// win over what the store remembers.
func loadSettings(store *settings.Store) {
	if cfg, err := store.LoadWifi(); err == nil {
		if len(ssid) <= 0 {
			ssid = cfg.SSID
		}
		if len(psk) <= 0 {
			psk = cfg.PSK
		}
	}
	if cfg, err := store.LoadCell(); err == nil && len(apnConn) <= 0 {
		apnConn = cfg.APN
	}
	if cfg, err := store.LoadBroker(); err == nil {
		if len(brokerURL) <= 0 {
			brokerURL = cfg.URL
		}
		if len(clientID) <= 0 {
			clientID = cfg.ClientID
		}
		if len(gateway) <= 0 {
			gateway = cfg.Gateway
		}
	}
	if cfg, err := store.LoadAggregation(); err == nil {
		if cfg.PeriodMs > 0 {
			periodSec = cfg.PeriodMs / 1000
		}
		if cfg.TimeoutMs > 0 {
			timeoutSec = cfg.TimeoutMs / 1000
		}
	}
}

func getAPN() (string, error) {
	apn := os.Getenv("APN")
	if len(apn) <= 0 {
		return "", fmt.Errorf("APN not found")
	}
	return apn, nil
}

func readScaledFile(path string, div float64) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, err
	}
	return v / div, nil
}

func readUptime() (float64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("unexpected /proc/uptime content")
	}
	return strconv.ParseFloat(fields[0], 64)
}
